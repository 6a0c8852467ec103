// Package collector is a small HTTP ingestion endpoint for local runs and
// tests. Responses can be scripted per integration to exercise retry and
// backlog behavior.
package collector

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// Stats summarizes what one integration endpoint received.
type Stats struct {
	Integration string `json:"integration"`
	Requests    int    `json:"requests"`
	Accepted    int    `json:"accepted"`
	Rejected    int    `json:"rejected"`
	Events      int    `json:"events"`
}

type endpoint struct {
	script   []int
	always   int
	requests int
	rejected int
	batches  []domain.DeliveryBatch
}

// Collector records delivered batches and answers with scripted statuses.
type Collector struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	logger    *zap.Logger
	engine    *gin.Engine
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithScript queues statuses answered, in order, to the next requests for
// integration. Once consumed, requests succeed.
func WithScript(integration string, statuses ...int) Option {
	return func(c *Collector) { c.Script(integration, statuses...) }
}

// WithAlways answers every request for integration with status.
func WithAlways(integration string, status int) Option {
	return func(c *Collector) { c.endpoint(integration).always = status }
}

// New creates a collector.
func New(opts ...Option) *Collector {
	gin.SetMode(gin.ReleaseMode)
	c := &Collector{
		endpoints: map[string]*endpoint{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	r := gin.New()
	r.Use(gin.Recovery(), c.logRequests())
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := r.Group("/v1")
	v1.POST("/:integration/batch", c.handleBatch)
	v1.POST("/:integration/script", c.handleScript)
	v1.GET("/stats", c.handleStats)
	v1.DELETE("/stats", c.handleReset)
	c.engine = r
	return c
}

// Handler returns the HTTP handler.
func (c *Collector) Handler() http.Handler { return c.engine }

// URL returns the batch endpoint of integration under base.
func URL(base, integration string) string {
	return base + "/v1/" + integration + "/batch"
}

// Run serves on addr until ctx ends.
func (c *Collector) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends. The listener is closed on return.
func (c *Collector) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: c.engine, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Script appends statuses to integration's response script.
func (c *Collector) Script(integration string, statuses ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpointLocked(integration)
	ep.script = append(ep.script, statuses...)
}

// Received returns every event accepted for integration, in arrival order.
func (c *Collector) Received(integration string) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[integration]
	if !ok {
		return nil
	}
	var events []domain.Event
	for _, b := range ep.batches {
		events = append(events, b.Events...)
	}
	return events
}

// Stats returns per-integration counters sorted by name.
func (c *Collector) Stats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.endpoints))
	for name, ep := range c.endpoints {
		events := 0
		for _, b := range ep.batches {
			events += len(b.Events)
		}
		out = append(out, Stats{
			Integration: name,
			Requests:    ep.requests,
			Accepted:    len(ep.batches),
			Rejected:    ep.rejected,
			Events:      events,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Integration < out[j].Integration })
	return out
}

func (c *Collector) endpoint(integration string) *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointLocked(integration)
}

func (c *Collector) endpointLocked(integration string) *endpoint {
	ep, ok := c.endpoints[integration]
	if !ok {
		ep = &endpoint{}
		c.endpoints[integration] = ep
	}
	return ep
}

func (c *Collector) handleBatch(ctx *gin.Context) {
	integration := ctx.Param("integration")
	var batch domain.DeliveryBatch
	bindErr := ctx.ShouldBindJSON(&batch)

	c.mu.Lock()
	ep := c.endpointLocked(integration)
	ep.requests++
	status := http.StatusOK
	switch {
	case len(ep.script) > 0:
		status = ep.script[0]
		ep.script = ep.script[1:]
	case ep.always != 0:
		status = ep.always
	}
	if bindErr != nil && status < 300 {
		status = http.StatusBadRequest
	}
	if status >= 300 {
		ep.rejected++
	} else {
		ep.batches = append(ep.batches, batch)
	}
	c.mu.Unlock()

	if bindErr != nil {
		ctx.JSON(status, gin.H{"error": "invalid batch: " + bindErr.Error()})
		return
	}
	if status >= 300 {
		ctx.JSON(status, gin.H{"error": "scripted failure " + strconv.Itoa(status)})
		return
	}
	ctx.JSON(status, gin.H{"accepted": len(batch.Events)})
}

type scriptRequest struct {
	Statuses []int `json:"statuses"`
	Always   *int  `json:"always"`
}

func (c *Collector) handleScript(ctx *gin.Context) {
	var req scriptRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	integration := ctx.Param("integration")
	c.Script(integration, req.Statuses...)
	if req.Always != nil {
		c.mu.Lock()
		c.endpointLocked(integration).always = *req.Always
		c.mu.Unlock()
	}
	ctx.JSON(http.StatusOK, gin.H{"integration": integration, "queued": len(req.Statuses)})
}

func (c *Collector) handleStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"integrations": c.Stats()})
}

func (c *Collector) handleReset(ctx *gin.Context) {
	c.mu.Lock()
	c.endpoints = map[string]*endpoint{}
	c.mu.Unlock()
	ctx.Status(http.StatusNoContent)
}

func (c *Collector) logRequests() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		c.logger.Debug("collector request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.String("integration", ctx.Param("integration")),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
