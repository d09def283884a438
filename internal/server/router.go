// Package server exposes a read-only HTTP view of the supervisor: Prometheus
// metrics, a health probe and status snapshots. It accepts no commands.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/runsh/internal/metrics"
	"github.com/loykin/runsh/internal/profile"
)

// StatusSource is the part of the manager the server reads from.
type StatusSource interface {
	Statuses() []profile.Status
	Status(name string) (profile.Status, bool)
	ResourceUsage(name string) (profile.Usage, bool)
}

// Router provides embeddable HTTP handlers.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/metrics
//	GET {basePath}/statuses
//	GET {basePath}/statuses/:name
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	gatherer prometheus.Gatherer
	basePath string
	now      func() time.Time
}

// NewRouter constructs a Router. A nil gatherer serves the default registry.
func NewRouter(src StatusSource, gatherer prometheus.Gatherer, basePath string) *Router {
	return &Router{src: src, gatherer: gatherer, basePath: mountPath(basePath), now: time.Now}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(r.metricsHandler()))
	group.GET("/statuses", r.handleStatuses)
	group.GET("/statuses/:name", r.handleStatus)
	return g
}

func (r *Router) metricsHandler() http.Handler {
	if r.gatherer == nil {
		return metrics.Handler()
	}
	return metrics.HandlerFor(r.gatherer)
}

type errorResp struct {
	Error string `json:"error"`
}

type statusView struct {
	profile.Status
	UptimeSeconds float64        `json:"uptime_seconds"`
	Usage         *profile.Usage `json:"usage,omitempty"`
}

func (r *Router) view(st profile.Status, withUsage bool) statusView {
	v := statusView{Status: st, UptimeSeconds: st.Uptime(r.now()).Seconds()}
	if withUsage {
		if u, ok := r.src.ResourceUsage(st.Name); ok {
			v.Usage = &u
		}
	}
	return v
}

func (r *Router) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"ok": true, "services": len(r.src.Statuses())})
}

func (r *Router) handleStatuses(c *gin.Context) {
	sts := r.src.Statuses()
	out := make([]statusView, 0, len(sts))
	for _, st := range sts {
		out = append(out, r.view(st, false))
	}
	respond(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	st, ok := r.src.Status(name)
	if !ok {
		respond(c, http.StatusNotFound, errorResp{Error: "unknown service: " + name})
		return
	}
	respond(c, http.StatusOK, r.view(st, true))
}

// Server is a running observability endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start binds addr and serves the router in the background. Bind errors are
// returned synchronously.
func Start(addr string, r *Router) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv, ln: ln}, nil
}

// Addr is the bound address, useful when addr requested port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
