package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/api"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/captcha"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const limiterPruneInterval = time.Minute

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", cfg.AllowedOrigins,
		"captcha_enabled", cfg.Captcha.Enabled(),
		"rate_limit_rooms_per_minute", cfg.RoomsPerMinute,
		"room_id_length", cfg.RoomIDLength,
		"empty_room_ttl", cfg.EmptyRoomTTL,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
	)
	logStartupSecurityWarnings(logger, cfg)

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.runBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.hub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked WebSocket connections are not tracked by http.Server.
	a.hub.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// app is the fully wired relay, minus the listener and signal handling.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	srv     *httpserver.Server
	hub     *signaling.Hub
	rooms   *rooms.Registry
	limiter *ratelimit.KeyedLimiter
	metrics *metrics.Metrics
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	idSource, err := rooms.NewIDSource(cfg.RoomIDLength)
	if err != nil {
		return nil, err
	}
	registry, err := rooms.NewRegistry(rooms.Options{IDSource: idSource})
	if err != nil {
		return nil, err
	}

	gate, err := auth.NewGate(cfg)
	if err != nil {
		return nil, err
	}

	srv := httpserver.New(cfg, logger, build)
	srv.SetMetrics(m)
	srv.SetAuth(gate)
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("turn rest: %w", err)
		}
		srv.SetTURNREST(gen)
	}

	hub := signaling.NewHub(signaling.Config{
		Logger:            logger,
		Metrics:           m,
		Origins:           srv.Origins(),
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:     cfg.SignalingSendQueueSize,
	})
	b, err := broker.New(broker.Config{
		Rooms:               registry,
		Transport:           hub,
		Logger:              logger,
		Metrics:             m,
		AllowNonMemberRelay: cfg.SignalingAllowNonMemberRelay,
	})
	if err != nil {
		return nil, err
	}
	hub.SetHandler(b)

	limiter := ratelimit.NewKeyedLimiter(ratelimit.RealClock{}, ratelimit.KeyedConfig{
		Limit:  cfg.RoomsPerMinute,
		Period: time.Minute,
	})
	roomAPI, err := api.New(api.Config{
		Rooms:         registry,
		Captcha:       captcha.NewHCaptcha(cfg.Captcha.SecretKey, cfg.Captcha.VerifyURL, cfg.Captcha.Timeout),
		CreateLimiter: limiter,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	m.RegisterGauge("rooms", func() float64 { return float64(registry.Stats().Rooms) })
	m.RegisterGauge("active_rooms", func() float64 { return float64(registry.Stats().ActiveRooms) })
	m.RegisterGauge("room_members", func() float64 { return float64(registry.Stats().Members) })
	m.RegisterGauge("ws_connections", func() float64 { return float64(hub.Len()) })
	m.RegisterGauge("broker_connections", func() float64 { return float64(b.Connections().Len()) })
	m.RegisterGauge("create_room_limiter_keys", func() float64 { return float64(limiter.Len()) })

	roomAPI.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /ws", hub)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	return &app{
		cfg:     cfg,
		log:     logger,
		srv:     srv,
		hub:     hub,
		rooms:   registry,
		limiter: limiter,
		metrics: m,
	}, nil
}

// runBackground runs housekeeping until ctx is done: empty-room expiry (when
// enabled) and pruning of idle rate limit buckets.
func (a *app) runBackground(ctx context.Context) {
	if a.cfg.EmptyRoomTTL > 0 {
		go a.rooms.RunJanitor(ctx, a.cfg.RoomSweepInterval, a.cfg.EmptyRoomTTL, a.log, func(removed []string) {
			a.metrics.Add(metrics.RoomsExpired, uint64(len(removed)))
		})
	}
	if !a.limiter.Enabled() {
		return
	}
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.Prune()
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
