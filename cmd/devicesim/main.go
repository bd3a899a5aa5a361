package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/testutil/fakedevice"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	configPath := flag.String("config", "cmd/devicesim/config.toml", "simulator config (TOML)")
	addr := flag.String("addr", "", "listen address, overrides config")
	instances := flag.Int("instances", -1, "instance count, overrides config")
	flag.Parse()

	cfg := config.DeviceSimConfig{Addr: ":5678", Path: "/", Instances: 3}
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.LoadDeviceSimConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load devicesim config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded devicesim config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *instances >= 0 {
		cfg.Instances = *instances
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("devicesim stopped")
	}
}

func newDevice(cfg config.DeviceSimConfig) *fakedevice.Device {
	dev := fakedevice.New(fakedevice.Instances(cfg.Instances))
	dev.AckDelay = cfg.AckDelay.Duration
	for _, f := range cfg.Files {
		dev.PutFile(f.Filetype, f.Filename, []byte(f.Data))
	}
	return dev
}

func serve(ctx context.Context, cfg config.DeviceSimConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, fakedevice.Handler(newDevice(cfg)))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", cfg.Addr).Str("path", cfg.Path).Int("instances", cfg.Instances).Msg("device simulator listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
