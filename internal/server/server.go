// Package server exposes the logger's controls, live data and metrics
// over HTTP, and holds its configuration.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/monitor"
)

// Controller is the part of monitor.Controller the API drives.
type Controller interface {
	Scan() ([]adapter.Candidate, error)
	Connect(device string) error
	Disconnect() error
	StartMonitoring() error
	StopMonitoring() error
	Status() monitor.Status
}

// History serves stored samples.
type History interface {
	Recent(ctx context.Context, limit int, loc *time.Location) ([]acquire.Sample, error)
}

// Deps are the collaborators of a Server. History, CSV and Gatherer may
// be nil.
type Deps struct {
	Config   *Config
	Control  Controller
	Hub      *Hub
	History  History
	CSV      *logger.Logger
	Gatherer prometheus.Gatherer
}

// Server is the HTTP control surface.
type Server struct {
	cfg  *Config
	ctl  Controller
	hub  *Hub
	hist History
	csv  *logger.Logger
	echo *echo.Echo
}

const defaultSampleLimit = 100

// New creates a Server and registers its routes.
func New(d Deps) *Server {
	s := &Server{cfg: d.Config, ctl: d.Control, hub: d.Hub, hist: d.History, csv: d.CSV}
	if s.hub == nil {
		s.hub = NewHub()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	api := e.Group("/api")
	api.GET("/ports", s.handlePorts)
	api.POST("/connect", s.handleConnect)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/monitor/start", s.handleStart)
	api.POST("/monitor/stop", s.handleStop)
	api.GET("/status", s.handleStatus)
	api.GET("/config", s.handleGetConfig)
	api.POST("/config", s.handleUpdateConfig)
	api.PUT("/vehicle", s.handleVehicle)
	api.GET("/samples", s.handleSamples)
	api.GET("/samples/msgpack", s.handleSamplesMsgpack)

	e.GET("/ws", s.hub.handleWS(s.ctl.Status))
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Snapshot().Server.ListenAddr

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.echo.Shutdown(shutCtx)
	}()

	log.Info().Str("component", "server").Str("addr", addr).Msg("listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type portsResponse struct {
	Ports []adapter.Candidate `json:"ports"`
}

func (s *Server) handlePorts(c echo.Context) error {
	ports, err := s.ctl.Scan()
	if err != nil {
		return internal("port scan failed", err)
	}
	if ports == nil {
		ports = []adapter.Candidate{}
	}
	return c.JSON(http.StatusOK, portsResponse{Ports: ports})
}

type connectRequest struct {
	Port string `json:"port"` // empty tries every paired port
}

func (s *Server) handleConnect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid connect request", err)
	}
	if req.Port == "" {
		req.Port = s.cfg.Snapshot().Adapter.Port
	}
	if err := s.ctl.Connect(req.Port); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnect(c echo.Context) error {
	if err := s.ctl.Disconnect(); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func (s *Server) handleStart(c echo.Context) error {
	if err := s.ctl.StartMonitoring(); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "monitoring"})
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.ctl.StopMonitoring(); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "stopping"})
}

type statusResponse struct {
	monitor.Status
	LogFile   string `json:"logFile,omitempty"`
	WSClients int    `json:"wsClients"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{Status: s.ctl.Status(), WSClients: s.hub.Clients()}
	if s.csv != nil {
		resp.LogFile = s.csv.CurrentFile()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetConfig(c echo.Context) error {
	data, err := s.cfg.ToJSON()
	if err != nil {
		return internal("encode config", err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

// handleUpdateConfig merges a partial config. Sampling settings apply to
// the next monitoring run; adapter settings to the next connect.
func (s *Server) handleUpdateConfig(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return badRequest("read body", err)
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		return badRequest("invalid config", err)
	}
	s.applyRuntime()
	if err := s.cfg.Save(); err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("save failed")
	}
	return s.handleGetConfig(c)
}

// handleVehicle replaces the vehicle metadata and persists it.
func (s *Server) handleVehicle(c echo.Context) error {
	var v logger.Vehicle
	if err := c.Bind(&v); err != nil {
		return badRequest("invalid vehicle", err)
	}
	if v.No == "" {
		return badRequest("vehicle number is required", nil)
	}
	s.cfg.SetVehicle(v)
	s.applyRuntime()
	if err := s.cfg.Save(); err != nil {
		return internal("save config", err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) applyRuntime() {
	if s.csv == nil {
		return
	}
	st := s.cfg.Snapshot()
	s.csv.SetVehicle(st.Vehicle)
	s.csv.SetEnabled(st.Logging.Enabled)
}

func (s *Server) recent(c echo.Context) ([]acquire.Sample, error) {
	if s.hist == nil {
		return nil, unavailable("sample store is disabled")
	}
	limit := defaultSampleLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10_000 {
			return nil, badRequest("limit must be between 1 and 10000", err)
		}
		limit = n
	}
	loc := time.UTC
	if lc, err := s.cfg.Snapshot().LoopConfig(); err == nil {
		loc = lc.Location
	}
	samples, err := s.hist.Recent(c.Request().Context(), limit, loc)
	if err != nil {
		return nil, internal("query samples", err)
	}
	if samples == nil {
		samples = []acquire.Sample{}
	}
	return samples, nil
}

func (s *Server) handleSamples(c echo.Context) error {
	samples, err := s.recent(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"samples": samples, "count": len(samples)})
}

func (s *Server) handleSamplesMsgpack(c echo.Context) error {
	samples, err := s.recent(c)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(map[string]interface{}{"samples": samples, "count": len(samples)})
	if err != nil {
		return internal("encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
}
