package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procfleet/internal/fleet"
	"github.com/loykin/procfleet/internal/gc"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/teardown"
)

// Router exposes fleet operations over HTTP. Every host route opens one
// session to :host for the duration of the request.
//
//	POST   {base}/hosts/:host/deploy         body: {descriptor_path}
//	POST   {base}/hosts/:host/uptests        body: {proc_name, user, ignore_missing_procs}
//	DELETE {base}/hosts/:host/procs/:proc
//	DELETE {base}/hosts/:host/builds/:build  query: cascade=true
//	POST   {base}/hosts/:host/clean-builds | clean-images | teardown-old | kill-orphans
//	GET    {base}/hosts/:host/procs | builds | images
//	POST   {base}/hosts/:host/build-app      body: {job_path}
//	POST   {base}/hosts/:host/build-image    body: {job_path}
//	GET    /metrics                          when metrics are enabled
type Router struct {
	fleet    *fleet.Fleet
	basePath string
	metrics  bool
}

func NewRouter(f *fleet.Fleet, basePath string, withMetrics bool) *Router {
	return &Router{fleet: f, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	hosts := g.Group(r.basePath + "/hosts/:host")
	hosts.Use(requireSafeParams)
	hosts.POST("/deploy", r.handleDeploy)
	hosts.POST("/uptests", r.handleUptests)
	hosts.DELETE("/procs/:proc", r.handleDeleteProc)
	hosts.DELETE("/builds/:build", r.handleDeleteBuild)
	hosts.POST("/clean-builds", r.handleCleanBuilds)
	hosts.POST("/clean-images", r.handleCleanImages)
	hosts.POST("/teardown-old", r.handleTeardownOld)
	hosts.POST("/kill-orphans", r.handleKillOrphans)
	hosts.GET("/procs", r.handleList(func(ctx context.Context, s *fleet.Session) ([]string, error) {
		return s.GetProcs(ctx, s.Host())
	}))
	hosts.GET("/builds", r.handleList(func(ctx context.Context, s *fleet.Session) ([]string, error) {
		return s.GetBuilds(ctx, s.Host())
	}))
	hosts.GET("/images", r.handleList(func(ctx context.Context, s *fleet.Session) ([]string, error) {
		return s.GetImages(ctx, s.Host())
	}))
	hosts.POST("/build-app", r.handleBuildApp)
	hosts.POST("/build-image", r.handleBuildImage)
	return g
}

// NewServer returns an http.Server for this router. The caller starts and
// shuts it down.
func NewServer(addr, basePath string, f *fleet.Fleet, withMetrics bool) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(f, basePath, withMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// builds and uptests can run for minutes
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type removedResp struct {
	Removed []string `json:"removed"`
}

func requireSafeParams(c *gin.Context) {
	for _, p := range c.Params {
		if !isSafeName(p.Value) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + p.Key + ": allowed [A-Za-z0-9._-] and no '..'"})
			c.Abort()
			return
		}
	}
	c.Next()
}

// statusFor maps operation errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gc.ErrBuildInUse):
		return http.StatusConflict
	case errors.Is(err, gc.ErrInvalidBuildName),
		errors.Is(err, teardown.ErrEmptyProcName),
		errors.Is(err, proc.ErrInvalidDescriptor):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// withSession opens a session to the :host parameter and runs fn in it.
func (r *Router) withSession(c *gin.Context, fn func(ctx context.Context, s *fleet.Session) error) {
	if err := r.fleet.With(c.Request.Context(), c.Param("host"), fn); err != nil {
		writeError(c, err)
	}
}

type deployReq struct {
	DescriptorPath string `json:"descriptor_path"`
}

func (r *Router) handleDeploy(c *gin.Context) {
	var req deployReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.DescriptorPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "descriptor_path must be an absolute path without traversal"})
		return
	}
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		if err := s.DeployProc(ctx, req.DescriptorPath); err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return nil
	})
}

type uptestReq struct {
	ProcName           string `json:"proc_name"`
	User               string `json:"user"`
	IgnoreMissingProcs bool   `json:"ignore_missing_procs"`
}

func (r *Router) handleUptests(c *gin.Context) {
	var req uptestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.ProcName) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid proc_name"})
		return
	}
	if req.User != "" && !isSafeName(req.User) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid user"})
		return
	}
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		writeJSON(c, http.StatusOK, s.RunUptests(ctx, s.Host(), req.ProcName, req.User, req.IgnoreMissingProcs))
		return nil
	})
}

func (r *Router) handleDeleteProc(c *gin.Context) {
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		if err := s.DeleteProc(ctx, s.Host(), c.Param("proc")); err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return nil
	})
}

func (r *Router) handleDeleteBuild(c *gin.Context) {
	cascade := false
	if v := c.Query("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cascade: " + v})
			return
		}
		cascade = b
	}
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		if err := s.DeleteBuild(ctx, c.Param("build"), cascade); err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return nil
	})
}

func (r *Router) handleCleanBuilds(c *gin.Context) {
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		removed, err := s.CleanBuildsFolders(ctx, s.Host())
		if err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, removedResp{Removed: removed})
		return nil
	})
}

func (r *Router) handleCleanImages(c *gin.Context) {
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		writeJSON(c, http.StatusOK, removedResp{Removed: s.CleanImagesFolders(ctx, s.Host())})
		return nil
	})
}

func (r *Router) handleTeardownOld(c *gin.Context) {
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		removed, err := s.TeardownOldProcs(ctx, s.Host())
		if err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, removedResp{Removed: removed})
		return nil
	})
}

func (r *Router) handleKillOrphans(c *gin.Context) {
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		killed, err := s.KillOrphans(ctx, s.Host())
		if err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, killed)
		return nil
	})
}

func (r *Router) handleList(list func(ctx context.Context, s *fleet.Session) ([]string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
			names, err := list(ctx, s)
			if err != nil {
				return err
			}
			writeJSON(c, http.StatusOK, names)
			return nil
		})
	}
}

type jobReq struct {
	JobPath string `json:"job_path"`
}

func bindJob(c *gin.Context) (string, bool) {
	var req jobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return "", false
	}
	if !isSafeAbsPath(req.JobPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "job_path must be an absolute path without traversal"})
		return "", false
	}
	return req.JobPath, true
}

func (r *Router) handleBuildApp(c *gin.Context) {
	job, ok := bindJob(c)
	if !ok {
		return
	}
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		out, err := s.BuildApp(ctx, job)
		if err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, out)
		return nil
	})
}

func (r *Router) handleBuildImage(c *gin.Context) {
	job, ok := bindJob(c)
	if !ok {
		return
	}
	r.withSession(c, func(ctx context.Context, s *fleet.Session) error {
		out, err := s.BuildImage(ctx, job)
		if err != nil {
			return err
		}
		writeJSON(c, http.StatusOK, out)
		return nil
	})
}
