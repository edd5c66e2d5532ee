package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
)

// StatusSource supplies the /status document. The server core implements
// it.
type StatusSource interface {
	Status() map[string]any
}

// OpsServer is the optional localhost observability surface.
type OpsServer struct {
	engine  *gin.Engine
	metrics *Metrics
	logger  *logging.Logger
	srv     *http.Server
}

// NewOpsServer wires the gin engine. stream may be nil when the process
// has no event stream to expose.
func NewOpsServer(metrics *Metrics, status StatusSource, stream gin.HandlerFunc, logger *logging.Logger) *OpsServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET"},
		MaxAge:       12 * time.Hour,
	}))

	o := &OpsServer{engine: engine, metrics: metrics, logger: logger}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, status.Status())
	})
	engine.GET("/metrics", func(c *gin.Context) {
		metrics.Tick()
		promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
	})
	if stream != nil {
		engine.GET("/stream", stream)
	}

	return o
}

// Start begins serving on addr in a background goroutine.
func (o *OpsServer) Start(addr string) {
	o.srv = &http.Server{Addr: addr, Handler: o.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Warn("ops server stopped", zap.Error(err))
		}
	}()
	o.logger.Info("ops server listening", zap.String("addr", addr))
}

// Close shuts the ops server down.
func (o *OpsServer) Close() error {
	if o.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return o.srv.Shutdown(ctx)
}
