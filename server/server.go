// Package server exposes health, metrics and processing records over HTTP
// for operators.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dhcgn/mailscribe/model"
)

const defaultListLimit = 100

// RecordReader is the read side of the durable record store.
type RecordReader interface {
	Get(ctx context.Context, id string) (model.ProcessingRecord, bool, error)
	ListByStatus(ctx context.Context, status model.Status, maxRetries int) ([]model.ProcessingRecord, error)
}

// PoolStats reports worker pool load. It is optional.
type PoolStats interface {
	Queued() int
	InFlight() int
}

type Server struct {
	echo    *echo.Echo
	records RecordReader
	pool    PoolStats
	logger  *slog.Logger
}

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"inflight"`
}

type listResponse struct {
	Status  model.Status             `json:"status"`
	Count   int                      `json:"count"`
	Records []model.ProcessingRecord `json:"records"`
}

// New builds the ops server. metrics serves GET /metrics; pool may be nil.
func New(records RecordReader, metrics http.Handler, pool PoolStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		records: records,
		pool:    pool,
		logger:  logger.With("component", "server"),
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	e.GET("/records", s.listRecords)
	e.GET("/records/:id", s.getRecord)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on address until Shutdown. A normal shutdown returns nil.
func (s *Server) Start(address string) error {
	s.logger.Info("starting ops server", "address", address)
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{Status: "ok", Service: "mailscribe"}
	if s.pool != nil {
		resp.Queued = s.pool.Queued()
		resp.InFlight = s.pool.InFlight()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getRecord(c echo.Context) error {
	id := c.Param("id")
	rec, found, err := s.records.Get(c.Request().Context(), id)
	if err != nil {
		s.logger.Error("error reading record", "message_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read record"})
	}
	if !found {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "record not found"})
	}
	return c.JSON(http.StatusOK, rec)
}

// listRecords serves GET /records?status=FAILED&limit=N. status defaults to
// FAILED; limit caps the response size.
func (s *Server) listRecords(c echo.Context) error {
	status := model.StatusFailed
	if q := c.QueryParam("status"); q != "" {
		st, err := model.ParseStatus(q)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		status = st
	}

	limit := defaultListLimit
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	recs, err := s.records.ListByStatus(c.Request().Context(), status, 0)
	if err != nil {
		s.logger.Error("error listing records", "status", status, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list records"})
	}
	total := len(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []model.ProcessingRecord{}
	}

	return c.JSON(http.StatusOK, listResponse{Status: status, Count: total, Records: recs})
}
