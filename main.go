package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"meshcall/internal/app/httpapi"
	"meshcall/internal/app/mediastate"
	"meshcall/internal/app/rooms"
	"meshcall/internal/app/summarize"
	"meshcall/internal/app/usernames"
	"meshcall/internal/config"
	"meshcall/internal/logging"
	"meshcall/pkg/presence"
	"meshcall/pkg/signaling"
	"meshcall/pkg/webrtc/ice"
)

// stores bundles the registry backends so Redis and memory are swapped together.
type stores struct {
	presence  presence.Store
	usernames signaling.UsernameStore
	media     signaling.MediaStore
	rooms     rooms.Store
	close     func()
}

func main() {
	config.LoadEnv(slog.Default())
	logger := logging.Init(slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "config", cfg)

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "err", err)
		os.Exit(1)
	}
	defer st.close()

	iceMode, iceServers := ice.Resolve(cfg.ICE, logger)
	hub := signaling.NewHub(st.presence, signaling.HubOptions{
		ICEServers: iceServers,
		ICEMode:    iceMode,
		Logger:     logger,
		Usernames:  st.usernames,
		Media:      st.media,
		OnRoomEmpty: func(room string) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := st.rooms.Delete(ctx, room); err != nil && !errors.Is(err, rooms.ErrNotFound) {
				logger.Warn("room code cleanup failed", "room", room, "err", err)
			}
			logger.Info("room closed", "room", room)
		},
	})

	settings := httpapi.Settings{
		ICEMode:     iceMode,
		ICEServers:  iceServers,
		PublicWSURL: cfg.PublicWSURL,
	}
	summarizer := summarize.New(cfg.SummarizerURL, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.HTTPHandler())
	mux.Handle("/api/settings", httpapi.SettingsHandler(settings, logger))
	mux.Handle("/debug/ice", httpapi.DebugICEHandler(settings))
	mux.Handle("/api/rooms", httpapi.CreateRoomHandler(st.rooms, logger))
	mux.Handle("/api/rooms/", httpapi.RoomLookupHandler(st.rooms, st.presence, logger))
	mux.Handle("/api/v1/users/summarize", httpapi.SummarizeHandler(summarizer, cfg.MaxUploadBytes, logger))
	mux.Handle("/health", httpapi.HealthHandler())
	mux.Handle("/", httpapi.SPAHandler(cfg.StaticPath))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Addr, "static", cfg.StaticPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

// openStores connects to Redis when configured and clears presence left by a
// previous process. Without REDIS_ADDR everything lives in memory.
func openStores(cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory registry")
		return &stores{
			presence:  presence.NewMemoryStore(),
			usernames: usernames.NewMemoryStore(),
			media:     mediastate.NewMemoryStore(),
			rooms:     rooms.NewMemoryStore(),
			close:     func() {},
		}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	st := &stores{
		presence:  presence.NewRedisStore(rdb, cfg.RedisPrefix),
		usernames: usernames.NewRedisStore(rdb, cfg.RedisPrefix),
		media:     mediastate.NewRedisStore(rdb, cfg.RedisPrefix),
		rooms:     rooms.NewRedisStore(rdb, cfg.RedisPrefix),
		close:     func() { _ = rdb.Close() },
	}
	if err := st.presence.Reset(ctx); err != nil {
		logger.Warn("redis reset presence", "err", err)
	}
	if err := st.usernames.Reset(ctx); err != nil {
		logger.Warn("redis reset usernames", "err", err)
	}
	if err := st.media.Reset(ctx); err != nil {
		logger.Warn("redis reset media state", "err", err)
	}
	logger.Info("using redis registry", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
	return st, nil
}
