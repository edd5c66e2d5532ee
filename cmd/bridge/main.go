// The bridge is launched by the browser as a native messaging host. It
// relays framed records on its standard streams to the server's local
// socket and back, surviving socket outages with buffering and backoff.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/bridge"
	"github.com/viyv/viyv-browser/internal/infrastructure/config"
	"github.com/viyv/viyv-browser/internal/infrastructure/monitoring"
	"github.com/viyv/viyv-browser/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Process:     "bridge",
	})
	if err != nil {
		logger = logging.ForProcess("bridge")
	}
	defer logger.Sync()

	b := bridge.New(bridge.Config{
		SocketPath: cfg.Socket.Path,
		HostIn:     os.Stdin,
		HostOut:    os.Stdout,
		Logger:     logger,
		Metrics:    monitoring.NewMetrics("bridge"),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down on signal")
		b.Stop()
		os.Exit(0)
	}()

	logger.Info("waiting for server socket", zap.String("path", cfg.Socket.Path))
	if !b.WaitForSocket() {
		logger.Error("server socket never appeared",
			zap.String("path", cfg.Socket.Path),
			zap.Duration("waited", bridge.SocketWaitTimeout))
		os.Exit(1)
	}

	b.Run()
}
