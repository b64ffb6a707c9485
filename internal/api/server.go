// Package api serves the cockpit HTTP API and realtime stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/chart"
	"stock-cockpit/internal/jobs"
	"stock-cockpit/internal/scheduler"
	"stock-cockpit/internal/session"
	"stock-cockpit/internal/types"
)

type Quotes interface {
	Get(symbol string) (types.Snapshot, bool)
	GetAll() map[string]types.Snapshot
	LastUpdated() time.Time
}

type Session interface {
	State() session.State
	IsConnected() bool
	Attempts() int
	Restart(ctx context.Context) bool
}

type Alerts interface {
	Add(symbol, name string, dir types.Direction, target float64) (types.Alert, error)
	ListActive() ([]types.Alert, error)
	ListAll() ([]types.Alert, error)
	Delete(id int64) error
	DrainRecent(clear bool) []types.TriggerEvent
}

type Jobs interface {
	States() ([]types.JobState, error)
	RunNow(ctx context.Context, name string) (scheduler.Result, error)
}

type Store interface {
	Watchlist() ([]types.WatchItem, error)
	AddWatch(item types.WatchItem) error
	RemoveWatch(symbol string) error
	SnapshotHistory(symbol string, limit int) ([]types.Snapshot, error)
	LatestReview() (types.Review, bool, error)
	SetRecommendationOutcome(id int64, outcome string) error
}

type Settings interface {
	All() map[string]string
	Set(key, value string) error
}

// Deps wires the server to the application. CheckAlerts runs a check and
// delivers its notifications; Backtest scores stored recommendations.
type Deps struct {
	Quotes      Quotes
	Session     Session
	Alerts      Alerts
	Jobs        Jobs
	Store       Store
	Settings    Settings
	Hub         *Hub
	Charts      *chart.Cache
	Metrics     http.Handler
	CheckAlerts func(ctx context.Context, quotes map[string]types.Snapshot) []types.TriggerEvent
	Backtest    func(days int) (jobs.BacktestReport, error)
}

type Server struct {
	deps   Deps
	router *gin.Engine
	http   *http.Server
}

func NewServer(deps Deps, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{deps: deps}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Hub != nil {
		r.GET("/ws", gin.WrapF(s.deps.Hub.HandleWebSocket))
	}

	api := r.Group("/api")
	{
		quotes := api.Group("/quotes")
		{
			quotes.GET("", s.listQuotes)
			quotes.GET("/:symbol", s.getQuote)
			quotes.GET("/:symbol/chart", s.getChart)
		}

		api.GET("/session", s.getSession)
		api.POST("/session/restart", s.restartSession)

		alerts := api.Group("/alerts")
		{
			alerts.GET("", s.listAlerts)
			alerts.POST("", s.createAlert)
			alerts.DELETE("/:id", s.deleteAlert)
			alerts.POST("/check", s.checkAlerts)
			alerts.GET("/recent", s.recentAlerts)
		}

		api.GET("/jobs", s.listJobs)
		api.POST("/jobs/:name/run", s.runJob)

		watchlist := api.Group("/watchlist")
		{
			watchlist.GET("", s.listWatchlist)
			watchlist.POST("", s.addWatch)
			watchlist.DELETE("/:symbol", s.removeWatch)
		}

		api.GET("/settings", s.listSettings)
		api.PUT("/settings/:key", s.updateSetting)

		api.GET("/reviews/latest", s.latestReview)
		api.GET("/reviews/backtest", s.backtest)
		api.POST("/reviews/backtest/:id", s.setOutcome)
	}
}

// ListenAndServe blocks until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP API listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(s.http.Shutdown(shutdownCtx), "http shutdown")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	}
}
