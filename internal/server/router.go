package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor served over HTTP.
type Supervisor interface {
	Start(ctx context.Context, name string) (supervisor.Snapshot, error)
	FastStart(ctx context.Context, name string) (supervisor.Snapshot, error)
	Touch(name string) (supervisor.Snapshot, error)
	Status(name string) (supervisor.Snapshot, error)
	List() []supervisor.Snapshot
	StopManual(ctx context.Context, name string) error
	ForceStop(ctx context.Context, name string) error
	Reap() []string
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	GET  /healthz
//	GET  /servers
//	GET  /servers/:name
//	POST /servers/:name/start
//	POST /servers/:name/fast-start
//	POST /servers/:name/touch
//	POST /servers/:name/stop
//	POST /servers/:name/force-stop
//	POST /debug/reap
type Router struct {
	sup      Supervisor
	basePath string
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(sup Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/healthz", r.handleHealth)
	group.GET("/servers", r.handleList)

	named := group.Group("/servers/:name", validName)
	named.GET("", r.handleStatus)
	named.POST("/start", r.handleStart)
	named.POST("/fast-start", r.handleFastStart)
	named.POST("/touch", r.handleTouch)
	named.POST("/stop", r.handleStop)
	named.POST("/force-stop", r.handleForceStop)

	group.POST("/debug/reap", r.handleReap)
}

type errorResp struct {
	Error string `json:"error"`
}

type reapResp struct {
	Evicted []string `json:"evicted"`
}

func validName(c *gin.Context) {
	if !process.ValidName(c.Param("name")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server name: allowed [A-Za-z0-9._-]"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.sup.Status(c.Param("name"))
	r.reply(c, snap, err)
}

func (r *Router) handleStart(c *gin.Context) {
	snap, err := r.sup.Start(c.Request.Context(), c.Param("name"))
	r.reply(c, snap, err)
}

func (r *Router) handleFastStart(c *gin.Context) {
	snap, err := r.sup.FastStart(c.Request.Context(), c.Param("name"))
	r.reply(c, snap, err)
}

func (r *Router) handleTouch(c *gin.Context) {
	snap, err := r.sup.Touch(c.Param("name"))
	r.reply(c, snap, err)
}

// Stops outlive the request: a client that hangs up must not turn a
// graceful stop into SIGKILL.
func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := r.sup.StopManual(context.WithoutCancel(c.Request.Context()), name); err != nil {
		writeError(c, err)
		return
	}
	snap, err := r.sup.Status(name)
	r.reply(c, snap, err)
}

func (r *Router) handleForceStop(c *gin.Context) {
	name := c.Param("name")
	if err := r.sup.ForceStop(context.WithoutCancel(c.Request.Context()), name); err != nil {
		writeError(c, err)
		return
	}
	snap, err := r.sup.Status(name)
	r.reply(c, snap, err)
}

func (r *Router) handleReap(c *gin.Context) {
	evicted := r.sup.Reap()
	if evicted == nil {
		evicted = []string{}
	}
	writeJSON(c, http.StatusOK, reapResp{Evicted: evicted})
}

func (r *Router) reply(c *gin.Context, snap supervisor.Snapshot, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, StatusCode(err), errorResp{Error: err.Error()})
}

// StatusCode maps supervisor errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
