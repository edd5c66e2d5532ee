// The server is launched by the client and speaks JSON-RPC over its
// standard streams while holding the extension socket open for the bridge.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/client"
	"github.com/viyv/viyv-browser/internal/infrastructure/config"
	"github.com/viyv/viyv-browser/internal/infrastructure/monitoring"
	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/server"
	"github.com/viyv/viyv-browser/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadOrDefault()

	agentName := flag.String("agent-name", cfg.Agent.Name, "Default agent id")
	socketPath := flag.String("socket", cfg.Socket.Path, "Extension socket path")
	configFile := flag.String("config", "", "Optional YAML config file")
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadFile(cfg, *configFile); err != nil {
			logging.ForProcess("server").Fatal("config file", zap.Error(err))
		}
		// File values apply unless the flag was given explicitly.
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if !explicit["agent-name"] {
			*agentName = cfg.Agent.Name
		}
		if !explicit["socket"] {
			*socketPath = cfg.Socket.Path
		}
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Process:     "server",
	})
	if err != nil {
		logger = logging.ForProcess("server")
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics("server")
	stream := ws.NewHandler(logger)

	core := server.NewCore(server.Config{
		SocketPath:   *socketPath,
		DefaultAgent: *agentName,
		Logger:       logger,
		Metrics:      metrics,
		OnEvent:      stream.Broadcast,
	})
	if err := core.Start(); err != nil {
		logger.Fatal("socket bind failed", zap.Error(err))
	}
	defer core.Stop()

	var ops *monitoring.OpsServer
	if cfg.Ops.Enabled {
		ops = monitoring.NewOpsServer(metrics, core, stream.HandleConnection, logger)
		ops.Start(cfg.Ops.Addr)
		defer ops.Close()
	}

	handler := client.NewHandler(core, os.Stdout, logger)
	core.Events.SetNotifier(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- handler.Serve(ctx, os.Stdin)
	}()

	logger.Info("server ready",
		zap.String("socket", *socketPath),
		zap.String("agent", *agentName),
		zap.String("protocolVersion", protocol.Version))

	select {
	case <-sigChan:
		logger.Info("shutting down on signal")
	case err := <-errChan:
		if err != nil {
			logger.Warn("client channel error", zap.Error(err))
		} else {
			logger.Info("client channel closed")
		}
	}
}
