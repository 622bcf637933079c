// Command acds-server runs the ASCII-Chat discovery/rendezvous service: a
// durable session catalog, ring-consensus relay, and WebRTC signaling
// broker reachable over encrypted TCP and plain WebSocket. Grounded
// on server/main.go's flag parsing + store bring-up + signal-driven
// shutdown shape.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/consensus"
	"github.com/zfogg/ascii-chat-sub011/internal/discovery"
	"github.com/zfogg/ascii-chat-sub011/internal/httpapi"
	"github.com/zfogg/ascii-chat-sub011/internal/ratelimit"
	"github.com/zfogg/ascii-chat-sub011/internal/registry"
	"github.com/zfogg/ascii-chat-sub011/internal/store"
	"github.com/zfogg/ascii-chat-sub011/internal/transport"
	"github.com/zfogg/ascii-chat-sub011/internal/workerpool"
)

// migrationTimeout is the grace period between HOST_LOST and an expected
// HOST_ANNOUNCEMENT before a migration context is cleared (spec.md §4.N).
const migrationTimeout = 10 * time.Second

// migrationSweepInterval matches the ~100ms cadence spec.md §4.N calls for.
const migrationSweepInterval = 100 * time.Millisecond

// rateLimitWindow is the sliding-window length shared by the live limiter
// and the durable-log pruner (spec.md §4.F: "default one hour") — kept as
// one constant so the two can never drift out of sync with each other.
const rateLimitWindow = time.Hour

func main() {
	port := flag.Int("port", 7400, "ACIP encrypted TCP listen port")
	websocketPort := flag.Int("websocket-port", 7401, "ACIP WebSocket listen port")
	address := flag.String("address", "", "IPv4 bind address (empty for unspecified)")
	address6 := flag.String("address6", "", "IPv6 bind address (empty to skip IPv6)")
	databasePath := flag.String("database-path", "acds.db", "SQLite database path")
	requireServerIdentity := flag.Bool("require-server-identity", false, "require signed SESSION_CREATE")
	requireClientIdentity := flag.Bool("require-client-identity", false, "require signed SESSION_JOIN")
	_ = flag.Bool("no-keepawake", false, "accepted for CLI compatibility; media capture keepawake is out of scope here")
	debugAddr := flag.String("debug-addr", ":7402", "debug/admin HTTP listen address (empty to disable)")
	flag.Parse()

	st, err := store.New(*databasePath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	reg := registry.New()
	limiter := ratelimit.New(rateLimitWindow, 120, 2, 10, st)

	migration := consensus.NewMigrationMonitor(migrationTimeout, func(sessionID uuid.UUID) {
		if err := st.ClearHost(sessionID); err != nil {
			slog.Warn("acds-server: clear_host after migration timeout", "session", sessionID, "err", err)
		}
	})

	discoverySrv := discovery.NewServer(st, reg, limiter, migration, discovery.Config{
		RequireServerIdentity: *requireServerIdentity,
		RequireClientIdentity: *requireClientIdentity,
	})

	identityPub, identityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("[server] generate identity key: %v", err)
	}
	slog.Info("acds-server identity", "pubkey", fmt.Sprintf("%x", identityPub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("acds-server: shutting down")
		cancel()
	}()

	listeners, err := openListeners(*address, *address6, *port)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	var debugAPI *httpapi.Server
	if *debugAddr != "" {
		debugAPI = httpapi.New(st, reg, migration)
	}

	pool := workerpool.New(
		workerpool.Worker{Name: "tcp-accept", StopID: workerpool.StopIDReceive, Run: func(ctx context.Context) {
			acceptLoop(ctx, listeners, identityPriv, discoverySrv, reg)
		}},
		workerpool.Worker{Name: "websocket-accept", StopID: workerpool.StopIDReceive, Run: func(ctx context.Context) {
			runWebSocketServer(ctx, *address, *websocketPort, discoverySrv, reg)
		}},
		workerpool.Worker{Name: "migration-sweep", StopID: workerpool.StopIDProcess, Run: func(ctx context.Context) {
			runTicker(ctx, migrationSweepInterval, migration.Sweep)
		}},
		workerpool.Worker{Name: "session-expiry", StopID: workerpool.StopIDProcess, Run: func(ctx context.Context) {
			runTicker(ctx, time.Minute, func() {
				if n, err := st.CleanupExpired(); err != nil {
					slog.Warn("acds-server: cleanup expired sessions", "err", err)
				} else if n > 0 {
					slog.Info("acds-server: cleaned up expired sessions", "count", n)
				}
			})
		}},
		workerpool.Worker{Name: "rate-limit-prune", StopID: workerpool.StopIDProcess, Run: func(ctx context.Context) {
			runTicker(ctx, 5*time.Minute, func() {
				cutoff := time.Now().Add(-rateLimitWindow)
				if n, err := st.PruneRateLimitEvents(cutoff); err != nil {
					slog.Warn("acds-server: prune rate limit events", "err", err)
				} else if n > 0 {
					slog.Info("acds-server: pruned rate limit events", "count", n)
				}
			})
		}},
	)
	pool.Start(ctx)

	if debugAPI != nil {
		go func() {
			if err := debugAPI.Run(ctx, *debugAddr); err != nil {
				slog.Error("acds-server: debug http server", "err", err)
			}
		}()
		slog.Info("acds-server: debug http listening", "addr", *debugAddr)
	}

	for _, ln := range listeners {
		slog.Info("acds-server: tcp listening", "addr", ln.Addr().String())
	}
	slog.Info("acds-server: websocket listening", "port", *websocketPort)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	pool.Shutdown(shutdownCtx)
	slog.Info("acds-server: stopped")
}

func openListeners(address, address6 string, port int) ([]net.Listener, error) {
	var listeners []net.Listener
	if address == "" && address6 == "" {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
		}
		return []net.Listener{ln}, nil
	}
	if address != "" {
		ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", address, port))
		if err != nil {
			return nil, fmt.Errorf("listen tcp4 %s:%d: %w", address, port, err)
		}
		listeners = append(listeners, ln)
	}
	if address6 != "" {
		ln, err := net.Listen("tcp6", fmt.Sprintf("[%s]:%d", address6, port))
		if err != nil {
			return nil, fmt.Errorf("listen tcp6 [%s]:%d: %w", address6, port, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func acceptLoop(ctx context.Context, listeners []net.Listener, identityPriv ed25519.PrivateKey, discoverySrv *discovery.Server, reg *registry.Registry) {
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			for {
				conn, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("acds-server: accept", "err", err)
					continue
				}
				t, err := transport.AcceptEncryptedTCP(conn, identityPriv)
				if err != nil {
					slog.Warn("acds-server: encrypted handshake failed", "remote", conn.RemoteAddr(), "err", err)
					_ = conn.Close()
					continue
				}
				go serveConn(ctx, discoverySrv, reg, t)
			}
		}(ln)
	}
	<-ctx.Done()
	wg.Wait()
}

func runWebSocketServer(ctx context.Context, address string, port int, discoverySrv *discovery.Server, reg *registry.Registry) {
	mux := http.NewServeMux()
	mux.HandleFunc("/acip", func(w http.ResponseWriter, r *http.Request) {
		t, err := transport.AcceptWebSocket(w, r)
		if err != nil {
			slog.Warn("acds-server: websocket upgrade failed", "err", err)
			return
		}
		serveConn(ctx, discoverySrv, reg, t)
	})

	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", address, port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("acds-server: websocket server", "err", err)
	}
}

// serveConn runs the receive loop for one accepted connection until it
// errors or ctx is canceled, dispatching every decoded packet through
// discoverySrv and registering/deregistering the connection's registry
// entry as it joins/leaves a session.
func serveConn(ctx context.Context, discoverySrv *discovery.Server, reg *registry.Registry, t transport.Transport) {
	defer t.Close()
	conn := discovery.NewConnState()
	peerAddr := t.PeerInfo().RemoteAddr
	registered := false

recvLoop:
	for {
		ptype, payload, err := t.Recv(ctx)
		if err != nil {
			break
		}

		for _, out := range discoverySrv.HandlePacket(ctx, conn, peerAddr, ptype, payload) {
			if err := t.Send(ctx, out.Type, out.Payload); err != nil {
				break recvLoop
			}
		}

		switch {
		case conn.Joined && !registered:
			reg.Add(&registry.Entry{ParticipantID: conn.ParticipantID, SessionID: conn.SessionID, Transport: t})
			registered = true
		case !conn.Joined && registered:
			reg.Remove(conn.ParticipantID)
			registered = false
		}
	}

	if registered {
		reg.Remove(conn.ParticipantID)
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
