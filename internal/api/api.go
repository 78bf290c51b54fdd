// Package api is the REST surface over the target registry and the discovery
// tree.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/metrics"
	"github.com/gustycube/discovery-registry/internal/rate"
	"github.com/gustycube/discovery-registry/internal/registry"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/tree"
	"github.com/gustycube/discovery-registry/internal/types"
)

// RequestIDHeader carries the request id, echoed or generated
const RequestIDHeader = "X-Request-Id"

// Server serves the REST API
type Server struct {
	targets *registry.Registry
	tree    *tree.Service
	limiter *rate.PerClient
	log     *zap.SugaredLogger
}

// New builds the server. A nil limiter disables rate limiting.
func New(targets *registry.Registry, t *tree.Service, limiter *rate.PerClient, log *zap.SugaredLogger) *Server {
	return &Server{targets: targets, tree: t, limiter: limiter, log: log}
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID, s.observe, s.rateLimit)

	v4 := r.Group("/api/v4")
	v4.GET("/targets", s.listTargets)
	v4.GET("/targets/:id", s.getTarget)
	v4.GET("/discovery", s.discoveryTree)
	v4.GET("/discovery/:id", s.discoveryNode)
	v4.GET("/discovery/:id/children", s.discoveryChildren)
	return r
}

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(RequestIDHeader, id)
	c.Next()
}

func (s *Server) observe(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	code := c.Writer.Status()
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	s.log.Debugw("request", "method", c.Request.Method, "route", route, "code", code, "request_id", c.GetString("request_id"))
}

func (s *Server) rateLimit(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

// listTargets serves GET /api/v4/targets?includeDeleted=<bool>.
func (s *Server) listTargets(c *gin.Context) {
	includeDeleted, ok := boolQuery(c, "includeDeleted")
	if !ok {
		return
	}
	ts, err := s.targets.List(c.Request.Context(), includeDeleted)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ts == nil {
		ts = []*types.Target{}
	}
	c.JSON(http.StatusOK, ts)
}

// getTarget serves GET /api/v4/targets/:id. Deleted targets are returned too.
func (s *Server) getTarget(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	t, err := s.targets.GetTargetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) discoveryTree(c *gin.Context) {
	u, err := s.tree.Universe(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	view, err := s.tree.Nested(c.Request.Context(), u.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) discoveryNode(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	view, err := s.tree.Nested(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) discoveryChildren(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	includeDeleted, ok := boolQuery(c, "includeDeleted")
	if !ok {
		return
	}
	var (
		nodes []*types.DiscoveryNode
		err   error
	)
	if includeDeleted {
		nodes, err = s.tree.AllChildren(c.Request.Context(), id)
	} else {
		nodes, err = s.tree.Children(c.Request.Context(), id)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]types.NodeFlat, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, types.Flat(n, nil))
	}
	c.JSON(http.StatusOK, out)
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be a boolean"})
		return false, false
	}
	return v, true
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Errorw("request failed", "path", c.Request.URL.Path, "request_id", c.GetString("request_id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
