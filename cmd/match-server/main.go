// Command match-server runs the game socket, the lobby API and the lobby channel.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/park285/match-core/internal/adjudicate"
	"github.com/park285/match-core/internal/auth"
	appcfg "github.com/park285/match-core/internal/config"
	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/games/chess"
	"github.com/park285/match-core/internal/lobby"
	"github.com/park285/match-core/internal/msgcat"
	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
	"github.com/park285/match-core/internal/storage/hybrid"
	"github.com/park285/match-core/internal/storage/memstore"
	"github.com/park285/match-core/internal/storage/redisstore"
	"github.com/park285/match-core/internal/storage/sqlstore"
	"github.com/park285/match-core/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Error("server_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *appcfg.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, dsn := cfg.DurableDSN()
	durable, err := sqlstore.Open(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = durable.Close() }()

	ephemeral, closeEphemeral, err := openEphemeral(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEphemeral()

	table := adjudicate.DefaultTable()
	if cfg.CommandTablePath != "" {
		if table, err = adjudicate.LoadTable(cfg.CommandTablePath); err != nil {
			return err
		}
	}
	messages := msgcat.Default()
	if cfg.MessagesDir != "" {
		if messages, err = msgcat.New(cfg.MessagesDir); err != nil {
			return err
		}
	}
	var tokens *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		if tokens, err = auth.NewTokenVerifier(cfg.JWTSecret); err != nil {
			return err
		}
	} else {
		obslog.L().Warn("jwt_secret_missing", zap.String("effect", "only guest identities are accepted"))
	}

	games := engine.NewRegistry(chess.Game())

	// the router and the broadcaster refer to each other through the removal hook
	var (
		srv   *transport.Server
		bcast *lobby.Broadcaster
	)
	router := hybrid.New(durable, ephemeral,
		hybrid.WithGrace(cfg.DisconnectGrace),
		hybrid.WithRemovalHook(func(matchID string) {
			bcast.MatchEnded(matchID, "")
			srv.EvictMatch(matchID)
		}),
	)
	bcast = lobby.NewBroadcaster(router, cfg.AllowedOrigins)
	store := lobby.Observe(router, bcast)
	srv = transport.NewServer(store, games,
		transport.WithCommandTable(table),
		transport.WithMessages(messages),
	)
	svc := lobby.NewService(store, games, srv)

	sweeper, err := hybrid.NewSweeper(router, cfg.SweepInterval)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv.Handler(transport.HandlerOptions{OriginPatterns: originHosts(cfg.AllowedOrigins)}))
	mux.Handle("GET /lobby", bcast)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	lobby.NewAPI(svc, tokens, messages).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go bcast.Run(hubCtx)
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		obslog.L().Info("server_listen",
			zap.String("addr", cfg.ListenAddr),
			zap.String("durable", driver),
			zap.String("ephemeral", cfg.EphemeralBackend),
			zap.Strings("games", games.Names()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	obslog.L().Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sweeper.Shutdown(); err != nil {
		obslog.L().Warn("sweeper_shutdown_failed", zap.Error(err))
	}
	srv.Shutdown("server shutting down")
	stopHub()
	return httpSrv.Shutdown(shutdownCtx)
}

func openEphemeral(ctx context.Context, cfg *appcfg.AppConfig) (storage.Store, func(), error) {
	if cfg.EphemeralBackend == appcfg.EphemeralRedis {
		rs, err := redisstore.Dial(ctx, cfg.RedisURL, cfg.RedisMatchTTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	return memstore.New(), func() {}, nil
}

// originHosts turns configured origins into the host patterns the game socket expects.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
