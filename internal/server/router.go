package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/launcher"
	"github.com/loykin/helmd/internal/logsink"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/supervisor"
)

// Supervisor is the set of operations the REST layer exposes.
type Supervisor interface {
	ListServices() map[string]config.Service
	StatusOf(ctx context.Context, name string) (supervisor.RuntimeStatus, error)
	StatusOfAll(ctx context.Context) map[string]supervisor.RuntimeStatus
	Start(ctx context.Context, name string, mode launcher.Mode) launcher.StartResult
	Stop(ctx context.Context, name string) supervisor.StopResult
	Restart(ctx context.Context, name string, mode launcher.Mode) supervisor.RestartResult
	TailLogs(name string, lines int, sel logsink.Selection) (logsink.Logs, error)
	MetricsHistory(name string) ([]metrics.ServiceSample, error)
	Reload() error
}

// Router exposes the supervisor over HTTP.
// Endpoints, relative to basePath:
//
//	GET  /services                     configured services
//	GET  /services/status              status of every service
//	GET  /services/:name/status        status of one service
//	POST /services/:name/start         ?mode= or {"mode": ...}
//	POST /services/:name/stop
//	POST /services/:name/restart       ?mode= or {"mode": ...}
//	GET  /services/:name/logs          ?lines=&type=stdout|stderr|both
//	GET  /services/:name/metrics       in-memory resource samples
//	POST /reload                       re-read the service registry
//
// GET /metrics (Prometheus) and GET /health are served outside basePath.
type Router struct {
	sup      Supervisor
	basePath string
	log      *slog.Logger
}

func NewRouter(sup Supervisor, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{sup: sup, basePath: sanitizeBase(basePath), log: log.With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	g.GET("/health", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := g.Group(r.basePath)
	group.GET("/services", r.handleList)
	group.GET("/services/status", r.handleStatusAll)
	svc := group.Group("/services/:name", r.requireSafeName)
	svc.GET("/status", r.handleStatus)
	svc.POST("/start", r.handleStart)
	svc.POST("/stop", r.handleStop)
	svc.POST("/restart", r.handleRestart)
	svc.GET("/logs", r.handleLogs)
	svc.GET("/metrics", r.handleMetrics)
	group.POST("/reload", r.handleReload)
	return g
}

// NewServer binds addr and serves the router in the background, over TLS when
// tlsCfg is non-nil. Bind errors are returned immediately; serve errors are logged.
func NewServer(addr, basePath string, tlsCfg *tls.Config, sup Supervisor, log *slog.Logger) (*http.Server, error) {
	r := NewRouter(sup, basePath, log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop may take the full poll window plus the kill wait
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("api server stopped", "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// serviceView is the public shape of a configured service; it leaves out
// filesystem paths and launch commands.
type serviceView struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	URL     string `json:"url,omitempty"`
	Visible bool   `json:"visible"`
	Kind    string `json:"kind"`
}

type modeReq struct {
	Mode string `json:"mode"`
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "took", time.Since(start))
}

func (r *Router) requireSafeName(c *gin.Context) {
	if !isSafeName(c.Param("name")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleList(c *gin.Context) {
	all := r.sup.ListServices()
	out := make(map[string]serviceView, len(all))
	for name, s := range all {
		v := serviceView{Name: name, Port: s.Port, URL: s.URL, Visible: s.Visible}
		if s.Launch != nil {
			v.Kind = s.Launch.Kind()
		}
		out[name] = v
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.StatusOfAll(c.Request.Context()))
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.sup.StatusOf(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// mode reads ?mode= first, then an optional JSON body.
func mode(c *gin.Context) (launcher.Mode, error) {
	m := c.Query("mode")
	if m == "" && c.Request.ContentLength > 0 {
		var body modeReq
		if err := c.ShouldBindJSON(&body); err != nil {
			return "", errors.New("invalid JSON body")
		}
		m = body.Mode
	}
	return launcher.ParseMode(m)
}

func startCode(res launcher.StartResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Reason == launcher.ReasonUnknownService:
		return http.StatusNotFound
	case res.Reason == launcher.ReasonAlreadyRunning:
		return http.StatusConflict
	case res.Reason == launcher.ReasonMissingDirectory, res.Reason == launcher.ReasonMissingExecutable,
		res.Reason == launcher.ReasonMissingScript, res.Reason == launcher.ReasonMissingCommand:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (r *Router) handleStart(c *gin.Context) {
	m, err := mode(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	res := r.sup.Start(c.Request.Context(), c.Param("name"), m)
	writeJSON(c, startCode(res), res)
}

func (r *Router) handleStop(c *gin.Context) {
	res := r.sup.Stop(c.Request.Context(), c.Param("name"))
	code := http.StatusOK
	switch {
	case res.Success:
	case res.Reason == supervisor.StopUnknownService:
		code = http.StatusNotFound
	case res.Reason == supervisor.StopNotRunning:
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
	}
	writeJSON(c, code, res)
}

func (r *Router) handleRestart(c *gin.Context) {
	m, err := mode(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	res := r.sup.Restart(c.Request.Context(), c.Param("name"), m)
	writeJSON(c, startCode(res.Start), res)
}

func (r *Router) handleLogs(c *gin.Context) {
	lines := logsink.DefaultTailLines
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be an integer"})
			return
		}
		lines = n
	}
	// the REST endpoint shows both streams unless asked otherwise
	sel, err := logsink.ParseSelection(c.DefaultQuery("type", string(logsink.SelectBoth)))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	logs, err := r.sup.TailLogs(c.Param("name"), lines, sel)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleMetrics(c *gin.Context) {
	samples, err := r.sup.MetricsHistory(c.Param("name"))
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, samples)
}

func (r *Router) handleReload(c *gin.Context) {
	if err := r.sup.Reload(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "registry reload failed"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// writeErr maps known errors to status codes and hides everything else.
func (r *Router) writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, config.ErrUnknownService):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service"})
	case errors.Is(err, logsink.ErrUnsafeName):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
	default:
		r.log.Error("request failed", "path", c.FullPath(), "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}
