// The worker harness speaks the framed port channel on its standard
// streams and dispatches tool calls against a Browser implementation. It
// runs the simulated browser; inside a real deployment the browser supplies
// the implementation and this binary is a development stand-in.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/infrastructure/config"
	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/transport/frame"
	"github.com/viyv/viyv-browser/internal/worker"
)

const heartbeatInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := config.LoadOrDefault()

	storePath := flag.String("store", cfg.Store.Path, "Durable group store path (empty disables persistence)")
	legacyPath := flag.String("import-legacy", "", "One-shot import of a legacy JSON session file")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Process:     "worker",
	})
	if err != nil {
		logger = logging.ForProcess("worker")
	}
	defer logger.Sync()

	var store *worker.Store
	if *storePath != "" {
		store, err = worker.OpenStore(*storePath)
		if err != nil {
			logger.Fatal("store open failed", zap.Error(err))
		}
		defer store.Close()

		if *legacyPath != "" {
			data, rerr := os.ReadFile(*legacyPath)
			if rerr != nil {
				logger.Warn("legacy session file unreadable", zap.Error(rerr))
			} else if n, ierr := store.ImportLegacy(data); ierr != nil {
				logger.Warn("legacy import failed", zap.Error(ierr))
			} else {
				logger.Info("imported legacy sessions", zap.Int("count", n))
			}
		}
	}

	out := frame.NewWriter(os.Stdout)
	w := worker.New(worker.Config{
		Browser: worker.NewSimBrowser(),
		Store:   store,
		Send:    func(rec protocol.Record) error { return out.Write(rec) },
		Logger:  logger,
	})

	stopHeartbeat := w.StartHeartbeat(heartbeatInterval)
	defer stopHeartbeat()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	dec := &frame.Decoder{
		OnRecord: w.HandleRecord,
		OnError: func(err error) {
			logger.Warn("frame error", zap.Error(err))
		},
		OnClose: func() {
			close(done)
		},
	}
	go frame.ReadLoop(os.Stdin, dec)

	logger.Info("worker ready", zap.String("protocolVersion", protocol.Version))

	select {
	case <-sigChan:
		logger.Info("shutting down on signal")
	case <-done:
		logger.Info("port channel closed")
	}
}
