// Package server exposes the bench agent HTTP API: flash and reset the target
// and manage the adapter from another machine on the bench network.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/flashr/internal/failure"
	"github.com/loykin/flashr/internal/flash"
	"github.com/loykin/flashr/internal/metrics"
	"github.com/loykin/flashr/internal/supervisor"
)

// Endpoints, relative to basePath:
//
//	GET  /status          adapter pid and whether an operation is in flight
//	POST /flash           body: {"artifact": "/abs/path.elf"} (optional)
//	POST /reset
//	POST /adapter/start
//	POST /adapter/stop
//	GET  /metrics

// Flasher runs flash and reset attempts.
type Flasher interface {
	Flash(ctx context.Context, artifact string) (flash.Result, error)
	Reset(ctx context.Context) (flash.Result, error)
}

// AdapterControl starts and stops the managed adapter.
type AdapterControl interface {
	Start(ctx context.Context) (supervisor.SupervisedProcess, error)
	Stop(ctx context.Context) (supervisor.StopReport, error)
	PID() (int, bool)
}

// Router serializes every hardware operation behind one mutex: all requests
// share the same probe.
type Router struct {
	flasher         Flasher
	adapter         AdapterControl
	basePath        string
	defaultArtifact string

	mu sync.Mutex
}

func NewRouter(f Flasher, a AdapterControl, basePath, defaultArtifact string) *Router {
	return &Router{flasher: f, adapter: a, basePath: sanitizeBase(basePath), defaultArtifact: defaultArtifact}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/flash", r.handleFlash)
	group.POST("/reset", r.handleReset)
	group.POST("/adapter/start", r.handleAdapterStart)
	group.POST("/adapter/stop", r.handleAdapterStop)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer builds an http.Server for h. Write timeouts leave room for a
// full program and verify cycle.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type statusResp struct {
	AdapterRunning bool `json:"adapter_running"`
	AdapterPID     int  `json:"adapter_pid,omitempty"`
	Busy           bool `json:"busy"`
}

type flashReq struct {
	Artifact string `json:"artifact"`
}

func (r *Router) lock() func() {
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *Router) handleStatus(c *gin.Context) {
	var st statusResp
	if r.adapter != nil {
		st.AdapterPID, st.AdapterRunning = r.adapter.PID()
	}
	// A long flash must not block status.
	if r.mu.TryLock() {
		r.mu.Unlock()
	} else {
		st.Busy = true
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleFlash(c *gin.Context) {
	var req flashReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if !isSafeArtifact(req.Artifact) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid artifact: must be an absolute clean path"})
		return
	}
	artifact := req.Artifact
	if artifact == "" {
		artifact = r.defaultArtifact
	}
	defer r.lock()()
	res, err := r.flasher.Flash(c.Request.Context(), artifact)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleReset(c *gin.Context) {
	defer r.lock()()
	res, err := r.flasher.Reset(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleAdapterStart(c *gin.Context) {
	if r.adapter == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "adapter control not configured"})
		return
	}
	defer r.lock()()
	p, err := r.adapter.Start(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleAdapterStop(c *gin.Context) {
	if r.adapter == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "adapter control not configured"})
		return
	}
	defer r.lock()()
	rep, err := r.adapter.Stop(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		resp.Kind = string(fe.Kind)
		resp.Phase = fe.Phase
		resp.Detail = fe.Detail
	}
	writeJSON(c, statusFor(err), resp)
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch failure.KindOf(err) {
	case failure.ArtifactNotFound:
		return http.StatusBadRequest
	case failure.ProbeNotFound, failure.DeviceNotFound:
		return http.StatusNotFound
	case failure.ProbeBusy, failure.PortConflict:
		return http.StatusConflict
	case failure.ProbeTimeout, failure.ProtocolTimeout, failure.ProcessStartTimeout, failure.StopTimeout:
		return http.StatusGatewayTimeout
	case failure.VerifyFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
