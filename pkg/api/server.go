package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

// dockerHubTagsURL lists recent engine image tags, most recent first.
const dockerHubTagsURL = "https://registry.hub.docker.com/v2/repositories/n8nio/n8n/tags"

// Instances is the instance manager surface the API drives.
type Instances interface {
	List(ctx context.Context) ([]instance.View, error)
	Capacity(ctx context.Context) (*instance.CapacityReport, error)
	Exists(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, name string) (*runtime.Container, error)
	Create(ctx context.Context, name, version, encryptionKey, createdAt string) (*runtime.Container, error)
	Remove(ctx context.Context, name string) error
	Rebuild(ctx context.Context, name, version string) (*runtime.Container, error)
	Reset(ctx context.Context, name, version string) (*runtime.Container, string, error)
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*instance.StatusView, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	Projection() *instance.Projection
}

// Jobs is the job store surface the API reads and initializes.
type Jobs interface {
	Init(ctx context.Context, jobID string) error
	GetState(ctx context.Context, jobID string) (jobstore.State, error)
	Since(ctx context.Context, jobID string, index int) ([]jobstore.Event, error)
	Shorten(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}

// Publisher enqueues provisioning jobs.
type Publisher interface {
	Publish(ctx context.Context, payload queue.JobPayload) error
}

// RuntimePinger is the minimal runtime surface the health check needs.
type RuntimePinger interface {
	Info(ctx context.Context) (runtime.HostInfo, error)
}

// Server is the REST+SSE front end.
type Server struct {
	cfg    *config.Config
	inst   Instances
	jobs   Jobs
	pub    Publisher
	rt     RuntimePinger
	logger zerolog.Logger

	// tagsURL is swapped out in tests.
	tagsURL string

	engine *gin.Engine
	srv    *http.Server
}

// NewServer wires the HTTP surface over its dependencies.
func NewServer(cfg *config.Config, inst Instances, jobs Jobs, pub Publisher, rt RuntimePinger) *Server {
	s := &Server{
		cfg:     cfg,
		inst:    inst,
		jobs:    jobs,
		pub:     pub,
		rt:      rt,
		logger:  log.WithComponent("api"),
		tagsURL: dockerHubTagsURL,
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.corsMiddleware(), s.metricsMiddleware())

	// Public
	engine.GET("/health", s.health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := engine.Group("/", s.authMiddleware())
	{
		protected.GET("/versions", s.versions)
		protected.GET("/docker-versions", s.versions)
		protected.GET("/locations", s.locations)
		protected.GET("/server-locations", s.locations)
		protected.GET("/instances", s.instances)
		protected.GET("/capacity", s.capacity)
		protected.GET("/cleanup-preview", s.cleanupPreview)

		protected.POST("/enqueue-instance", s.enqueueInstance)
		protected.GET("/job/:job_id/events", s.jobEvents)
		protected.POST("/create-instance", s.createInstance)
		protected.GET("/create-instance-stream", s.createInstanceStream)
		protected.DELETE("/delete-instance/:name", s.deleteInstance)

		protected.GET("/instance/:name/status", s.instanceStatus)
		protected.POST("/instance/:name/restart", s.restartInstance)
		protected.POST("/instance/:name/reset", s.resetInstance)
		protected.POST("/instance/:name/update-version", s.updateVersion)
		protected.GET("/instance/:name/logs", s.instanceLogs)

		// Aliases kept for older frontends
		protected.GET("/instance-status/:name", s.instanceStatus)
		protected.POST("/restart-instance/:name", s.restartInstance)
		protected.POST("/reset-instance/:name", s.resetInstance)
		protected.POST("/update-version/:name", s.updateVersion)
	}

	return engine
}

// Start binds the listener and serves until Stop or a fatal error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.ServerPort)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// detail writes the standard error body.
func detail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"detail": msg})
}
