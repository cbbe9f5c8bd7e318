package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lanrelay/internal/chat"
	"lanrelay/internal/config"
	"lanrelay/internal/discovery"
	"lanrelay/internal/httpapi"
	"lanrelay/internal/hub"
	"lanrelay/internal/message"
	"lanrelay/internal/storage"
	"lanrelay/internal/user"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.DBURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		store = pg
	} else {
		log.Warnw("no db url configured, using in-memory store")
		store = storage.NewMemStore()
	}
	defer store.Close(context.Background())

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	users := user.NewService(store.Users())
	chats := chat.NewService(store.Chats())
	messages := message.NewService(store.Messages())
	relay := hub.NewHub(users, chats, messages, log)

	host := cfg.AdvertiseHost
	if host == "" {
		host = localIP()
	}
	port, err := listenPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parse listen addr: %w", err)
	}

	announcer := discovery.NewAnnouncer(discovery.AnnouncerConfig{
		Port:         cfg.DiscoveryPort,
		Interval:     cfg.BeaconInterval,
		Version:      version,
		WSEndpoint:   fmt.Sprintf("ws://%s:%s/ws", host, port),
		HTTPEndpoint: fmt.Sprintf("http://%s:%s", host, port),
		ServerName:   serverName(cfg),
	}, relay.ClientCount, log)
	if err := announcer.Start(); err != nil {
		return fmt.Errorf("start beacon: %w", err)
	}
	defer announcer.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWS)
	httpapi.NewHandler(relay, log).Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.ListenAddr, "discoveryPort", cfg.DiscoveryPort)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	announcer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relay.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}

func serverName(cfg config.Config) string {
	if cfg.InstanceName != "" {
		return cfg.InstanceName
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "lanrelay"
}

func listenPort(addr string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return port, nil
}

// localIP finds the address other machines on the subnet would use to reach
// us. No packet is sent; the dial only resolves a route.
func localIP() string {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
