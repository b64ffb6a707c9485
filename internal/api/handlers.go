package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/config"
	"stock-cockpit/internal/alert"
	"stock-cockpit/internal/chart"
	"stock-cockpit/internal/jobs"
	"stock-cockpit/internal/scheduler"
	"stock-cockpit/internal/types"
)

const defaultChartPoints = 120

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "quotes": len(s.deps.Quotes.GetAll())}
	if s.deps.Session != nil {
		body["session"] = s.deps.Session.State().String()
	}
	if s.deps.Hub != nil {
		body["stream_clients"] = s.deps.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/quotes
func (s *Server) listQuotes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":       s.deps.Quotes.GetAll(),
		"updated_at": s.deps.Quotes.LastUpdated(),
	})
}

// GET /api/quotes/:symbol
func (s *Server) getQuote(c *gin.Context) {
	snap, ok := s.deps.Quotes.Get(strings.ToUpper(c.Param("symbol")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no quote for symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// GET /api/quotes/:symbol/chart?points=120
func (s *Server) getChart(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	points, err := strconv.Atoi(c.DefaultQuery("points", strconv.Itoa(defaultChartPoints)))
	if err != nil || points < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "points must be an integer of at least 2"})
		return
	}

	key := symbol + ":" + strconv.Itoa(points)
	if s.deps.Charts != nil {
		if png, ok := s.deps.Charts.Get(key); ok {
			c.Data(http.StatusOK, "image/png", png)
			return
		}
	}

	snaps, err := s.deps.Store.SnapshotHistory(symbol, points)
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	png, err := chart.RenderHistory(snaps, chart.Options{Title: symbol})
	if errors.Is(err, chart.ErrNotEnoughData) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	} else if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render chart"})
		return
	}
	if s.deps.Charts != nil {
		s.deps.Charts.Set(key, png)
	}
	c.Data(http.StatusOK, "image/png", png)
}

// GET /api/session
func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":     s.deps.Session.State().String(),
		"connected": s.deps.Session.IsConnected(),
		"attempts":  s.deps.Session.Attempts(),
	})
}

// POST /api/session/restart
func (s *Server) restartSession(c *gin.Context) {
	ok := s.deps.Session.Restart(c.Request.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"connected": ok, "state": s.deps.Session.State().String()})
}

// GET /api/alerts?active=true
func (s *Server) listAlerts(c *gin.Context) {
	var (
		alerts []types.Alert
		err    error
	)
	if active, _ := strconv.ParseBool(c.Query("active")); active {
		alerts, err = s.deps.Alerts.ListActive()
	} else {
		alerts, err = s.deps.Alerts.ListAll()
	}
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

type createAlertRequest struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Name        string          `json:"name"`
	Direction   types.Direction `json:"direction" binding:"required"`
	TargetPrice float64         `json:"target_price" binding:"required"`
}

// POST /api/alerts
func (s *Server) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.deps.Alerts.Add(strings.ToUpper(req.Symbol), req.Name, req.Direction, req.TargetPrice)
	if errors.Is(err, alert.ErrInvalidAlert) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	} else if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save alert"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": a})
}

// DELETE /api/alerts/:id
func (s *Server) deleteAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	err = s.deps.Alerts.Delete(id)
	if errors.Is(err, alert.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	} else if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete alert"})
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/alerts/check checks the posted symbol->snapshot map, or the
// cache when the body is empty.
func (s *Server) checkAlerts(c *gin.Context) {
	var quotes map[string]types.Snapshot
	if err := c.ShouldBindJSON(&quotes); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if quotes == nil {
		quotes = s.deps.Quotes.GetAll()
	} else {
		normalized := make(map[string]types.Snapshot, len(quotes))
		for symbol, snap := range quotes {
			symbol = strings.ToUpper(symbol)
			snap.Symbol = symbol
			if snap.CapturedAt.IsZero() {
				snap.CapturedAt = time.Now()
			}
			normalized[symbol] = snap
		}
		quotes = normalized
	}

	events := s.deps.CheckAlerts(c.Request.Context(), quotes)
	if events == nil {
		events = []types.TriggerEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "checked": len(quotes)})
}

// GET /api/alerts/recent?clear=true
func (s *Server) recentAlerts(c *gin.Context) {
	drain, _ := strconv.ParseBool(c.Query("clear"))
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Alerts.DrainRecent(drain)})
}

// GET /api/jobs
func (s *Server) listJobs(c *gin.Context) {
	states, err := s.deps.Jobs.States()
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job states"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": states})
}

// POST /api/jobs/:name/run runs the job synchronously, bypassing the
// once-per-period guard.
func (s *Server) runJob(c *gin.Context) {
	res, err := s.deps.Jobs.RunNow(c.Request.Context(), c.Param("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{
		"name":        res.Name,
		"summary":     res.Summary,
		"started_at":  res.StartedAt,
		"finished_at": res.FinishedAt,
	}
	status := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		status = http.StatusInternalServerError
	}
	c.JSON(status, body)
}

// GET /api/watchlist
func (s *Server) listWatchlist(c *gin.Context) {
	items, err := s.deps.Store.Watchlist()
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch watchlist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

type watchRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// POST /api/watchlist
func (s *Server) addWatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item := types.WatchItem{
		Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Name:     req.Name,
		Category: req.Category,
		AddedAt:  time.Now(),
	}
	if item.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol must not be blank"})
		return
	}
	if err := s.deps.Store.AddWatch(item); err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save watchlist item"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": item})
}

// DELETE /api/watchlist/:symbol
func (s *Server) removeWatch(c *gin.Context) {
	if err := s.deps.Store.RemoveWatch(strings.ToUpper(c.Param("symbol"))); err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove watchlist item"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/settings
func (s *Server) listSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Settings.All()})
}

type settingRequest struct {
	Value string `json:"value"`
}

// PUT /api/settings/:key
func (s *Server) updateSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := c.Param("key")
	err := s.deps.Settings.Set(key, req.Value)
	if errors.Is(err, config.ErrUnknownSetting) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	} else if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Settings.All()})
}

// GET /api/reviews/latest
func (s *Server) latestReview(c *gin.Context) {
	review, found, err := s.deps.Store.LatestReview()
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load review"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no review yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": review})
}

// GET /api/reviews/backtest?days=30
func (s *Server) backtest(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(jobs.DefaultBacktestDays)))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}
	report, err := s.deps.Backtest(days)
	if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run backtest"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

type outcomeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

// POST /api/reviews/backtest/:id records a manual result; pending clears it.
func (s *Server) setOutcome(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recommendation id"})
		return
	}
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !jobs.ValidOutcome(req.Outcome) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be hit_target, hit_stoploss, expired or pending"})
		return
	}
	stored := req.Outcome
	if stored == jobs.Pending {
		stored = ""
	}
	err = s.deps.Store.SetRecommendationOutcome(id, stored)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "recommendation not found"})
		return
	} else if err != nil {
		log.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save outcome"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "outcome": req.Outcome})
}
