// Package keepalive serves a tiny HTTP surface for hosts that suspend idle
// processes, and pings it periodically from the inside.
package keepalive

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
	"strings"
	"time"

	"github.com/tracyhatemice/mailalert/internal/monitor"
	"github.com/tracyhatemice/mailalert/internal/notify"
)

// DefaultPingInterval stays under the common 15 minute idle limit.
const DefaultPingInterval = 14 * time.Minute

// Options configures a Server.
type Options struct {
	Port         int
	ExternalURL  string // base URL for self-pings; defaults to localhost
	PingInterval time.Duration
	Status       func() monitor.Status
	Sleep        notify.SleepFunc
	Logger       *slog.Logger
}

// Server is the keep-alive responder.
type Server struct {
	port         int
	pingURL      string
	pingInterval time.Duration
	status       func() monitor.Status
	sleep        notify.SleepFunc
	client       *http.Client
	logger       *slog.Logger
}

// New creates a Server.
func New(o Options) *Server {
	if o.Port == 0 {
		o.Port = 10000
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Sleep == nil {
		o.Sleep = notify.Sleep
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	base := strings.TrimRight(o.ExternalURL, "/")
	if base == "" {
		base = "http://localhost:" + strconv.Itoa(o.Port)
	}
	return &Server{
		port:         o.Port,
		pingURL:      base + "/ping",
		pingInterval: o.PingInterval,
		status:       o.Status,
		sleep:        o.Sleep,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       o.Logger,
	}
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Email Monitor - Keep Alive</title></head>
<body>
<h1>📧 Email Monitor Service</h1>
<p>✅ Service is running and monitoring emails</p>
<p>🔄 Keep-alive service active</p>
<p>📊 <a href="/health">Health Check</a></p>
</body>
</html>
`

type health struct {
	Status              string     `json:"status"`
	Service             string     `json:"service"`
	KeepAlive           string     `json:"keep_alive"`
	Running             bool       `json:"running"`
	Cycles              int        `json:"cycles"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, indexPage)
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(s.health())
		case "/ping":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "pong")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (s *Server) health() health {
	h := health{Status: "healthy", Service: "mailalert", KeepAlive: "active"}
	if s.status == nil {
		return h
	}
	st := s.status()
	h.Running = st.Running
	h.Cycles = st.Cycles
	h.ConsecutiveFailures = st.ConsecutiveFailures
	if !st.LastSuccess.IsZero() {
		ts := st.LastSuccess
		h.LastSuccess = &ts
	}
	if st.LastResult.Err != nil {
		h.LastError = st.LastResult.Err.Error()
	}
	if st.ConsecutiveFailures > 0 {
		h.Status = "degraded"
	}
	return h
}

// Run serves on the configured port and self-pings until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return fmt.Errorf("keep-alive listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.pingLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("keep-alive server started", "addr", ln.Addr().String(), "ping_url", s.pingURL)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("keep-alive serve: %w", err)
	}
	s.logger.Info("keep-alive server stopped")
	return nil
}

func (s *Server) pingLoop(ctx context.Context) {
	for {
		if err := s.sleep(ctx, s.pingInterval); err != nil {
			return
		}
		if err := s.Ping(ctx); err != nil {
			s.logger.Warn("self-ping failed", "error", err)
			continue
		}
		s.logger.Debug("self-ping succeeded")
	}
}

// Ping requests the /ping endpoint once.
func (s *Server) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pingURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self-ping returned status %d", resp.StatusCode)
	}
	return nil
}
