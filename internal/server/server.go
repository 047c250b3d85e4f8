// Package server exposes the coordinator over a small HTTP control API. It
// replaces the desktop front end: status, tables, and the command buttons all
// map to endpoints, and a ring buffer of recent events backs the activity log.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"vanilla-trader/internal/interfaces"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/types"
)

const eventHistorySize = 500

// Server is the HTTP control surface.
type Server struct {
	coord interfaces.Coordinator
	http  *http.Server

	mu      sync.Mutex
	history []types.Event
}

func New(listen string, coord interfaces.Coordinator) *Server {
	s := &Server{coord: coord}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/signals", s.getSignals)
		api.GET("/events", s.getEvents)

		api.POST("/initialize", s.postInitialize)
		api.POST("/trading/start", s.postStart)
		api.POST("/trading/stop", s.postStop)
		api.POST("/condition", s.postCondition)
		api.POST("/reject", s.postReject)
		api.POST("/reject/clear", s.postRejectClear)
		api.POST("/strategy", s.postStrategy)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.http = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled. The coordinator's event channel is
// drained into the history buffer for the whole lifetime, so events are never
// lost while no client is polling.
func (s *Server) Run(ctx context.Context) error {
	go s.collectEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "control server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) collectEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.coord.Events():
			if !ok {
				return
			}
			s.mu.Lock()
			s.history = append(s.history, ev)
			if len(s.history) > eventHistorySize {
				s.history = s.history[len(s.history)-eventHistorySize:]
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status())
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.coord.Positions()})
}

func (s *Server) getSignals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signals": s.coord.PendingSignals()})
}

func (s *Server) getEvents(c *gin.Context) {
	s.mu.Lock()
	out := make([]types.Event, len(s.history))
	copy(out, s.history)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) postInitialize(c *gin.Context) {
	s.coord.Initialize()
	c.JSON(http.StatusAccepted, gin.H{"status": "initializing"})
}

func (s *Server) postStart(c *gin.Context) {
	s.coord.StartTrading()
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) postStop(c *gin.Context) {
	s.coord.StopTrading()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type conditionReq struct {
	Seq string `json:"seq" binding:"required"`
}

func (s *Server) postCondition(c *gin.Context) {
	var req conditionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.coord.ChangeCondition(req.Seq)
	c.JSON(http.StatusOK, gin.H{"condition_seq": req.Seq})
}

type rejectReq struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (s *Server) postReject(c *gin.Context) {
	var req rejectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.coord.RejectSymbol(req.Symbol)
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol})
}

func (s *Server) postRejectClear(c *gin.Context) {
	n := s.coord.ClearRejected()
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

type strategyReq struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) postStrategy(c *gin.Context) {
	var req strategyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.SetStrategy(req.Name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": req.Name})
}
