// Package api serves the counter's HTTP surface: live status, the status
// stream, and the control and scan inputs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/crossing.report/internal/control"
	"github.com/banshee-data/crossing.report/internal/httputil"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/status"
	"github.com/banshee-data/crossing.report/internal/syncengine"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const maxBodyBytes = 16 << 10

// ScanSink accepts identifiers typed or posted instead of scanned.
type ScanSink interface {
	Submit(raw string) bool
}

// SyncInspector exposes the sync engine's queue to operators.
type SyncInspector interface {
	State() syncengine.State
	Pending() []syncengine.Op
	TriggerRetry()
}

// Server holds the dependencies of the HTTP handlers. Nil optional
// dependencies disable their routes.
type Server struct {
	board   *status.Board
	control control.Submitter
	scans   ScanSink
	sync    SyncInspector
	logf    monitoring.Logger
}

// NewServer creates a Server. board and ctrl are required.
func NewServer(board *status.Board, ctrl control.Submitter) *Server {
	return &Server{board: board, control: ctrl, logf: monitoring.Component("http")}
}

// WithScans enables POST /scan.
func (s *Server) WithScans(sink ScanSink) *Server {
	s.scans = sink
	return s
}

// WithSync enables the /sync routes.
func (s *Server) WithSync(si SyncInspector) *Server {
	s.sync = si
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	logf := monitoring.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes, relative to the /api prefix.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/status/stream", s.streamStatus)
	mux.HandleFunc("/control", s.postControl)
	if s.scans != nil {
		mux.HandleFunc("/scan", s.postScan)
	}
	if s.sync != nil {
		mux.HandleFunc("/sync", s.showSync)
		mux.HandleFunc("/sync/retry", s.retrySync)
	}
	return mux
}

// Mount attaches the API under /api on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("/api/", http.StripPrefix("/api", s.ServeMux()))
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.board.Snapshot())
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, updates := s.board.Subscribe()
	defer s.board.Unsubscribe(id)

	if err := httputil.WriteSSE(w, "status", s.board.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := httputil.WriteSSE(w, "status", st); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var m control.Message
	if err := httputil.DecodeJSONBody(r, maxBodyBytes, &m); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	switch err := s.control.Submit(m); {
	case errors.Is(err, control.ErrInvalid):
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, control.ErrBusy):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logf("control %s queued", m)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "type": string(m.Type)})
}

type scanRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req scanRequest
	if err := httputil.DecodeJSONBody(r, maxBodyBytes, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.scans.Submit(req.Identifier) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"accepted": false})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type syncResponse struct {
	State   syncengine.State `json:"state"`
	Pending []syncengine.Op  `json:"pending"`
}

func (s *Server) showSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	pending := s.sync.Pending()
	if pending == nil {
		pending = []syncengine.Op{}
	}
	httputil.WriteJSON(w, http.StatusOK, syncResponse{State: s.sync.State(), Pending: pending})
}

func (s *Server) retrySync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sync.TriggerRetry()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "retry triggered"})
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// with a bounded grace period.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, grace time.Duration) error {
	logf := monitoring.Component("http")
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logf("listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
