// Package adminapi exposes the master's allocation surface over HTTP using
// gin, the way the teacher's own data/coordination tiers expose their query
// surface. It replaces a point-to-point RPC service with the two read/write
// operations an operator or dashboard actually needs: explain why a shard
// sits where it does, and force a reroute pass.
package adminapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quidditch/quidditch/pkg/common/metrics"
	"github.com/quidditch/quidditch/pkg/master/allocation"
)

// Facade is the subset of MasterNode the admin API depends on. Keeping it
// as an interface here (rather than importing pkg/master) avoids an import
// cycle, since pkg/master is what wires this server up.
type Facade interface {
	ExplainAllocation(indexName string, shardID int32, isPrimary bool) ([]allocation.NodeExplain, error)
	Reroute(ctx context.Context) error
}

// Server is the gin-backed HTTP surface for cluster allocation operations.
type Server struct {
	facade Facade
	logger *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the admin HTTP surface, wiring the shared HTTP metrics
// middleware the same way the rest of the cluster's gin routers do.
func NewServer(facade Facade, collector *metrics.MetricsCollector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if collector != nil {
		engine.Use(metrics.HTTPMetricsMiddleware(collector))
	}

	s := &Server{facade: facade, logger: logger, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	cluster := s.engine.Group("/_cluster")
	cluster.GET("/allocation/explain", s.handleExplain)
	cluster.POST("/reroute", s.handleReroute)
}

// explainResponse mirrors the spec's weighShard() output: one row per
// candidate node with its decision and weight.
type explainResponse struct {
	Index     string                 `json:"index"`
	ShardID   int32                  `json:"shard_id"`
	IsPrimary bool                   `json:"is_primary"`
	Nodes     []nodeExplainEntry     `json:"nodes"`
}

type nodeExplainEntry struct {
	NodeID   string  `json:"node_id"`
	Decision string  `json:"decision"`
	Weight   float64 `json:"weight"`
}

func (s *Server) handleExplain(c *gin.Context) {
	indexName := c.Query("index")
	if indexName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index query parameter is required"})
		return
	}
	shardIDStr := c.Query("shard")
	shardID64, err := strconv.ParseInt(shardIDStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid shard parameter: %v", err)})
		return
	}
	isPrimary := c.Query("primary") == "true"

	explain, err := s.facade.ExplainAllocation(indexName, int32(shardID64), isPrimary)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := explainResponse{Index: indexName, ShardID: int32(shardID64), IsPrimary: isPrimary}
	for _, e := range explain {
		out.Nodes = append(out.Nodes, nodeExplainEntry{NodeID: e.NodeID, Decision: e.Decision.String(), Weight: e.Weight})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReroute(c *gin.Context) {
	if err := s.facade.Reroute(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reroute triggered"})
}

// Start binds the admin HTTP server and serves in the background.
func (s *Server) Start(bindAddr string, port int) error {
	addr := fmt.Sprintf("%s:%d", bindAddr, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on admin port: %w", err)
	}

	s.http = &http.Server{Handler: s.engine}
	go func() {
		s.logger.Info("starting admin API server", zap.String("addr", addr))
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
