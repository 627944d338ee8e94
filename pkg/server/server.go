// Package server exposes the bank over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/command"
	"github.com/ericogr/loadcell-to-mqtt/pkg/events"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
	"github.com/ericogr/loadcell-to-mqtt/pkg/worker"
)

const commandTimeout = 30 * time.Second

// Config for the HTTP server.
type Config struct {
	// Host interface to listen on
	Host string
	// Port to listen on for HTTP requests
	Port int
}

// Worker is the bank owner served by the API.
type Worker interface {
	output.Submitter
	Snapshot() worker.Snapshot
}

// Dependencies of the server.
type Dependencies struct {
	Log    zerolog.Logger
	Worker Worker
	Events events.Store
	// Stream serves the websocket feed. Optional.
	Stream http.Handler
}

// Server runs the HTTP API.
type Server struct {
	Config
	Dependencies
	log zerolog.Logger
	now func() time.Time
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Weight         float64    `json:"weight"`
	State          string     `json:"state"`
	LastRefresh    *time.Time `json:"last_refresh"`
	LastRefreshAgo string     `json:"last_refresh_ago,omitempty"`
}

// CalibrateRequest is the body of POST /calibrate.
type CalibrateRequest struct {
	ReferenceWeight *float64 `json:"reference_weight"`
}

func New(cfg Config, deps Dependencies) *Server {
	return &Server{
		Config:       cfg,
		Dependencies: deps,
		log:          deps.Log.With().Str("component", "server").Logger(),
		now:          time.Now,
	}
}

// Handler returns the router of the API.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/status", s.handleStatus)
	e.GET("/readings", s.handleReadings)
	e.GET("/calibration", s.handleCalibration)
	e.POST("/tare", s.handleTare)
	e.POST("/calibrate", s.handleCalibrate)
	e.GET("/events", s.handleEvents)
	e.GET("/events.csv", s.handleEventsCSV)
	if s.Stream != nil {
		e.GET("/ws", echo.WrapHandler(s.Stream))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// Run the server until the given context is canceled.
func (s *Server) Run(ctx context.Context) error {
	log := s.log
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	log.Debug().Str("address", addr).Msg("Serving HTTP")
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return errors.Wrap(err, "serve HTTP")
	}

	log.Info().Msg("Closing HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.Worker.Snapshot()
	resp := StatusResponse{
		Weight: snap.Readings.Weight,
		State:  snap.State.String(),
	}
	if !snap.LastRefresh.IsZero() {
		t := snap.LastRefresh
		resp.LastRefresh = &t
		resp.LastRefreshAgo = humanize.RelTime(t, s.now(), "ago", "from now")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReadings(c echo.Context) error {
	return document(c, s.Worker.Snapshot().Readings)
}

func (s *Server) handleCalibration(c echo.Context) error {
	return document(c, s.Worker.Snapshot().Calibration)
}

func (s *Server) handleTare(c echo.Context) error {
	return s.submit(c, command.Command{Op: command.OpTare})
}

// handleCalibrate accepts {"reference_weight": w} or a bare JSON number.
func (s *Server) handleCalibrate(c echo.Context) error {
	var body bytes.Buffer
	if _, err := body.ReadFrom(c.Request().Body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := parseReferenceWeight(body.Bytes())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.submit(c, command.Command{Op: command.OpCalibrate, ReferenceWeight: w})
}

func parseReferenceWeight(body []byte) (float64, error) {
	var bare float64
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var req CalibrateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, errors.Wrap(err, "invalid body")
	}
	if req.ReferenceWeight == nil {
		return 0, errors.New("reference_weight is required")
	}
	return *req.ReferenceWeight, nil
}

// submit runs cmd on the worker. Error statuses are answered with 500.
func (s *Server) submit(c echo.Context, cmd command.Command) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), commandTimeout)
	defer cancel()
	status, err := s.Worker.Submit(ctx, cmd)
	if err != nil {
		s.log.Warn().Err(err).Str("command", cmd.String()).Msg("command not executed")
		status = report.Status{Status: report.StatusError, Message: err.Error()}
	}
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusInternalServerError
	}
	return c.JSON(code, status)
}

func (s *Server) handleEvents(c echo.Context) error {
	list, err := s.events(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleEventsCSV(c echo.Context) error {
	list, err := s.events(c)
	if err != nil {
		return err
	}
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/csv")
	resp.Header().Set(echo.HeaderContentDisposition, "attachment; filename=events.csv")
	resp.WriteHeader(http.StatusOK)
	return events.WriteCSV(resp, list)
}

func (s *Server) events(c echo.Context) ([]events.Event, error) {
	if s.Events == nil {
		return []events.Event{}, nil
	}
	f, err := parseFilter(c)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	list, err := s.Events.List(f)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func parseFilter(c echo.Context) (events.Filter, error) {
	var f events.Filter
	var err error
	if f.MinWeight, err = floatParam(c, "min_weight"); err != nil {
		return f, err
	}
	if f.MaxWeight, err = floatParam(c, "max_weight"); err != nil {
		return f, err
	}
	if f.Start, err = timeParam(c, "start"); err != nil {
		return f, err
	}
	if f.End, err = timeParam(c, "end"); err != nil {
		return f, err
	}
	return f, nil
}

func floatParam(c echo.Context, name string) (*float64, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, errors.Errorf("%s: invalid number %q", name, v)
	}
	return &f, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Errorf("%s: invalid time %q", name, v)
}

func document(c echo.Context, doc interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, b)
}
