// Package admin is the HTTP management surface: runtime settings, memory and
// schedule CRUD, conversation listings, the e-mail log with its retry paths,
// and sender mappings. It also mounts the health probes and the Prometheus
// scrape endpoint so one listener covers the whole operational surface.
//
// The API is unauthenticated and intended for a trusted network only.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/health"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/pkg/memory"
)

// shutdownTimeout bounds the graceful drain when the context is cancelled.
const shutdownTimeout = 5 * time.Second

// Store is the persistence surface the admin API needs. Satisfied by the
// aggregate memory.Store.
type Store interface {
	ListTurns(ctx context.Context, user string, limit int) ([]memory.Turn, error)

	ActiveMemories(ctx context.Context, user string, limit int) ([]memory.PersistentMemory, error)
	SavePersistentMemory(ctx context.Context, m memory.PersistentMemory) (memory.SaveOutcome, error)
	UpdateMemory(ctx context.Context, id int64, content string, importance int, tags []string) (bool, error)
	DeleteMemory(ctx context.Context, id int64) (bool, error)

	ListSchedule(ctx context.Context, f memory.ScheduleFilter) ([]memory.ScheduleEvent, error)
	GetScheduleEvent(ctx context.Context, id int64) (*memory.ScheduleEvent, error)
	SaveScheduleEvent(ctx context.Context, e memory.ScheduleEvent) (memory.SaveOutcome, error)
	UpdateScheduleEvent(ctx context.Context, id int64, u memory.ScheduleEventUpdate) (bool, error)
	DeleteScheduleEvent(ctx context.Context, id int64) (bool, error)

	GetEmailSettings(ctx context.Context) (*memory.EmailSettings, error)
	UpdateEmailSettings(ctx context.Context, s memory.EmailSettings) error
	ListEmailLogs(ctx context.Context, limit int) ([]memory.EmailLogEntry, error)
	GetEmailLog(ctx context.Context, id int64) (*memory.EmailLogEntry, error)
	DeleteEmailLog(ctx context.Context, id int64) error
	ActionsForEmailLog(ctx context.Context, emailLogID int64) ([]memory.EmailAction, error)
	ListMappings(ctx context.Context) (map[string]string, error)
	UpsertMapping(ctx context.Context, emailAddr, user string) error
}

// Resender retries a failed outbound message in place. Satisfied by
// *mailchan.Mailer.
type Resender interface {
	Resend(ctx context.Context, logID int64) error
}

// DigestForcer regenerates and sends the daily digest off schedule.
// Satisfied by *digest.Scheduler.
type DigestForcer interface {
	Force(ctx context.Context) error
}

// Server is the admin HTTP server.
type Server struct {
	store   Store
	cfg     *botcfg.Service
	mailer  Resender
	digest  DigestForcer
	healthy *health.Handler
}

// New creates a Server. mailer and digest may be nil when the e-mail channel
// is disabled; the retry endpoints then answer 503.
func New(store Store, cfg *botcfg.Service, mailer Resender, digest DigestForcer, healthy *health.Handler) *Server {
	return &Server{
		store:   store,
		cfg:     cfg,
		mailer:  mailer,
		digest:  digest,
		healthy: healthy,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", gin.WrapF(s.healthy.Healthz))
	r.GET("/readyz", gin.WrapF(s.healthy.Readyz))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.putSettings)

		api.GET("/memories", s.listMemories)
		api.POST("/memories", s.createMemory)
		api.PUT("/memories/:id", s.updateMemory)
		api.DELETE("/memories/:id", s.deleteMemory)

		api.GET("/schedule", s.listSchedule)
		api.POST("/schedule", s.createEvent)
		api.GET("/schedule/:id", s.getEvent)
		api.PUT("/schedule/:id", s.updateEvent)
		api.DELETE("/schedule/:id", s.deleteEvent)

		api.GET("/conversations", s.listConversations)

		api.GET("/email/settings", s.getEmailSettings)
		api.PUT("/email/settings", s.putEmailSettings)
		api.GET("/email/logs", s.listEmailLogs)
		api.GET("/email/logs/:id", s.getEmailLog)
		api.POST("/email/logs/:id/retry", s.retryEmail)
		api.GET("/email/mappings", s.listMappings)
		api.PUT("/email/mappings", s.putMapping)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then drains gracefully. The
// handler chain carries tracing, correlation IDs, and request metrics.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(observe.DefaultMetrics())(s.Router()),
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("admin server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
