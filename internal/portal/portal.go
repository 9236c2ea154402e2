// Package portal serves the node's configuration portal: the embedded
// status page, pages from the updatable filesystem, and the JSON API the
// pages drive.
//
// Handlers never touch device state themselves. Every read and every
// mutation goes through the Device, which runs it on the polling loop.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/net/netutil"

	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/device"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/settings"
	"github.com/hsc-engineering/yardnode/internal/trackwindow"
	"github.com/hsc-engineering/yardnode/internal/update"
)

const maxSettingsBody = 4 << 10

// Device is the loop-side surface the portal drives.
type Device interface {
	Snapshot(ctx context.Context) (device.Snapshot, error)
	SaveSettings(ctx context.Context, p settings.Patch) error
	ResetSettings(ctx context.Context) error
	Restart(ctx context.Context) error
	SetLocate(ctx context.Context, on bool) error
	RequestUpdate(ctx context.Context) error
}

// Pages reads files from the updatable page filesystem.
type Pages interface {
	ReadFile(name string) ([]byte, error)
}

// History lists recent track transitions, newest first.
type History interface {
	Recent() []trackwindow.Entry
}

// Options configures a Server.
type Options struct {
	Address  string
	Port     int
	MaxConns int

	Device Device
	Pages  Pages
	Bus    *events.Bus
	// History serves /api/history when set.
	History History
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// UpdateClient fetches release metadata for the firmware check.
	UpdateClient *http.Client

	// APSSID and APPassword are encoded in the join QR code.
	APSSID     string
	APPassword string

	Logger *slog.Logger
}

// Server is the portal HTTP server.
type Server struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UpdateClient == nil {
		opts.UpdateClient = update.NewClient(opts.Logger)
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Handler returns the portal's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /style.css", s.handleStyle)
	mux.HandleFunc("GET /device", s.pageHandler("device.html", "Device page not found"))
	mux.HandleFunc("GET /firmware", s.pageHandler("firmware.html", "Firmware page not found"))
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSaveSettings)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	mux.HandleFunc("POST /api/locate", s.handleLocate)
	mux.HandleFunc("POST /api/update", s.handleUpdate)
	mux.HandleFunc("GET /api/firmware/check", s.handleFirmwareCheck)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/wifi/qr", s.handleWiFiQR)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	return s.withLogging(mux)
}

// Listen binds the portal address. The listener accepts at most
// MaxConns concurrent connections.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("portal listen: %w", err)
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles connections on the bound listener until Shutdown.
func (s *Server) Serve() error {
	if s.server == nil {
		return errors.New("portal: Serve called before Listen")
	}
	s.logger.Info("starting portal", "address", s.listener.Addr().String(), "max_conns", s.opts.MaxConns)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, letting in-flight responses
// finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

type actionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) success(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, actionResponse{Status: "success", Message: message}, s.logger)
}

func (s *Server) fail(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, actionResponse{Status: "error", Message: message}, s.logger)
}

// unavailable reports a request the loop could not take, usually because
// it is shutting down or busy with an update.
func (s *Server) unavailable(w http.ResponseWriter, err error) {
	s.logger.Warn("device did not take portal request", "error", err)
	s.fail(w, http.StatusServiceUnavailable, "Device busy")
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Device.Snapshot(r.Context())
	if err != nil {
		s.unavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Config, s.logger)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	patch, err := settings.ParsePatch(body)
	if err != nil {
		s.logger.Info("rejected settings update", "error", err)
		s.fail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := s.opts.Device.SaveSettings(r.Context(), patch); err != nil {
		if errors.Is(err, device.ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.unavailable(w, err)
			return
		}
		s.fail(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	s.success(w, "Settings saved. Rebooting...")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Device.ResetSettings(r.Context()); err != nil {
		s.logger.Error("settings reset failed", "error", err)
		s.fail(w, http.StatusInternalServerError, "Failed to reset settings")
		return
	}
	s.success(w, "Settings reset. Rebooting...")
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Device.Restart(r.Context()); err != nil {
		s.unavailable(w, err)
		return
	}
	s.success(w, "Rebooting...")
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.fail(w, http.StatusBadRequest, "Missing state param")
		return
	}
	if !r.Form.Has("state") {
		s.fail(w, http.StatusBadRequest, "Missing state param")
		return
	}
	state := r.Form.Get("state")
	on := state == "true" || state == "1"

	if err := s.opts.Device.SetLocate(r.Context(), on); err != nil {
		s.unavailable(w, err)
		return
	}
	s.success(w, "")
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Device.RequestUpdate(r.Context()); err != nil {
		s.unavailable(w, err)
		return
	}
	s.success(w, "Update started. Device will reboot when the new firmware is installed.")
}

func (s *Server) handleFirmwareCheck(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Device.Snapshot(r.Context())
	if err != nil {
		s.unavailable(w, err)
		return
	}
	if snap.Config.UpdateURL == "" {
		s.fail(w, http.StatusBadRequest, "No update URL configured")
		return
	}

	res, err := update.Check(r.Context(), s.opts.UpdateClient, snap.Config.UpdateURL, snap.Board.TypeShort, snap.Firmware)
	if err != nil {
		s.logger.Warn("firmware check failed", "error", err)
		if errors.Is(err, update.ErrInvalidMetadata) {
			s.fail(w, http.StatusBadGateway, "Invalid JSON from server")
			return
		}
		s.fail(w, http.StatusBadGateway, "Failed to fetch update metadata")
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

type statusResponse struct {
	Uptime     string `json:"uptime"`
	RSSI       string `json:"rssi"`
	FreeMemory string `json:"free_memory"`
	Runtime    string `json:"runtime"`

	Watches map[string]connwatch.Status `json:"watches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Device.Snapshot(r.Context())
	if err != nil {
		s.unavailable(w, err)
		return
	}
	watches := snap.Watches
	if watches == nil {
		watches = map[string]connwatch.Status{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:     formatUptime(snap.Uptime),
		RSSI:       formatRSSI(snap),
		FreeMemory: formatMemory(snap),
		Runtime:    formatClock(snap),
		Watches:    watches,
	}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := []trackwindow.Entry{}
	if s.opts.History != nil {
		entries = s.opts.History.Recent()
	}
	writeJSON(w, http.StatusOK, entries, s.logger)
}

// handleWiFiQR returns a PNG QR code that joins the fallback access
// point.
func (s *Server) handleWiFiQR(w http.ResponseWriter, r *http.Request) {
	if s.opts.APSSID == "" {
		http.NotFound(w, r)
		return
	}
	payload := wifiQRPayload(s.opts.APSSID, s.opts.APPassword)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("QR encode failed", "error", err)
		http.Error(w, "QR encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
