package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quidditch/quidditch/pkg/common/config"
	"github.com/quidditch/quidditch/pkg/common/metrics"
	"github.com/quidditch/quidditch/pkg/master/adminapi"
	"github.com/quidditch/quidditch/pkg/master/allocation"
	"github.com/quidditch/quidditch/pkg/master/raft"
)

// MasterNode represents a master node in the Quidditch cluster. It owns the
// Raft-replicated cluster state and drives the balanced shard allocator
// over it, both on demand (index creation, node registration) and on a
// periodic leader-only reconcile tick.
type MasterNode struct {
	cfg       *config.MasterConfig
	logger    *zap.Logger
	raftNode  *raft.RaftNode
	fsm       *raft.FSM
	allocator *allocation.Allocator
	metrics   *metrics.MetricsCollector
	admin     *adminapi.Server

	reconcileStop chan struct{}
	reconcileDone chan struct{}
}

// NewMasterNode creates a new master node
func NewMasterNode(cfg *config.MasterConfig, logger *zap.Logger) (*MasterNode, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	// Create FSM
	fsm := raft.NewFSM(logger)

	// Create Raft node
	raftCfg := &raft.Config{
		NodeID:    cfg.NodeID,
		RaftAddr:  fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.RaftPort),
		DataDir:   cfg.DataDir,
		Bootstrap: len(cfg.Peers) == 0, // Bootstrap if no peers
		Peers:     cfg.Peers,
		Logger:    logger,
	}

	raftNode, err := raft.NewRaftNode(raftCfg, fsm)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	allocator, err := allocation.NewAllocator(cfg.Balance.ShardBalance, cfg.Balance.IndexBalance, cfg.Balance.Threshold, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	collector := metrics.NewMetricsCollector("master")
	node := &MasterNode{
		cfg:       cfg,
		logger:    logger,
		raftNode:  raftNode,
		fsm:       fsm,
		allocator: allocator,
		metrics:   collector,
	}
	node.admin = adminapi.NewServer(node, collector, logger)

	return node, nil
}

// Start starts the master node
func (m *MasterNode) Start(ctx context.Context) error {
	// Start Raft
	if err := m.raftNode.Start(ctx); err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}

	// Wait for leader election
	if err := m.raftNode.WaitForLeader(30 * time.Second); err != nil {
		return fmt.Errorf("failed to elect leader: %w", err)
	}

	if m.raftNode.IsLeader() {
		m.logger.Info("This node is the Raft leader")
		// Initialize cluster UUID if this is a new cluster
		if err := m.initializeCluster(); err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
		m.startReconcileLoop()
	} else {
		m.logger.Info("This node is a Raft follower", zap.String("leader", m.raftNode.Leader()))
	}

	if err := m.admin.Start(m.cfg.BindAddr, m.cfg.AdminPort); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	return nil
}

// Stop stops the master node
func (m *MasterNode) Stop(ctx context.Context) error {
	m.logger.Info("Stopping master node")

	m.stopReconcileLoop()

	if err := m.admin.Stop(ctx); err != nil {
		m.logger.Warn("admin server shutdown error", zap.Error(err))
	}

	// Stop Raft
	if err := m.raftNode.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop raft: %w", err)
	}

	return nil
}

// startReconcileLoop launches the leader-only ticker that re-runs the
// allocator over the full cluster state, on top of the on-demand calls
// CreateIndex/RegisterNode already trigger. This is what catches drift from
// node failures, manual reroutes, or a rebalance opportunity that an
// on-demand call wouldn't have noticed.
func (m *MasterNode) startReconcileLoop() {
	m.reconcileStop = make(chan struct{})
	m.reconcileDone = make(chan struct{})

	interval := m.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(m.reconcileDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.raftNode.IsLeader() {
					continue
				}
				if err := m.reconcile(context.Background()); err != nil {
					m.logger.Warn("reconcile pass failed", zap.Error(err))
				}
			case <-m.reconcileStop:
				return
			}
		}
	}()
}

func (m *MasterNode) stopReconcileLoop() {
	if m.reconcileStop == nil {
		return
	}
	close(m.reconcileStop)
	<-m.reconcileDone
}

// reconcile runs one full allocation pass over the entire cluster state and
// applies whatever routing changes it produces through Raft.
func (m *MasterNode) reconcile(ctx context.Context) error {
	start := time.Now()
	state := m.fsm.GetState()
	rn := raft.NewRoutingNodes(state)
	ra := m.allocator.NewRoutingAllocation(state, rn)

	m.allocator.Allocate(ra)

	changes := rn.Changes()
	if err := m.applyRoutingChanges(ctx, changes); err != nil {
		m.metrics.RecordAllocationPass("error", time.Since(start))
		return err
	}

	m.metrics.RecordAllocationPass("ok", time.Since(start))
	m.logger.Debug("reconcile pass complete",
		zap.Int("initialized", len(changes.Initialized)),
		zap.Int("relocated", len(changes.Relocated)),
		zap.Int("ignored", len(changes.Ignored)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// applyRoutingChanges translates one pass's worth of RoutingChanges into
// Raft commands. The core itself never touches Raft or BoltDB directly;
// this is the one seam where allocation decisions become durable state.
func (m *MasterNode) applyRoutingChanges(ctx context.Context, changes *raft.RoutingChanges) error {
	for _, s := range changes.Initialized {
		if err := m.applyShardUpdate(s); err != nil {
			return err
		}
		m.metrics.ShardsAssignedTotal.WithLabelValues(s.IndexName, fmt.Sprintf("%t", s.IsPrimary)).Inc()
	}
	for _, s := range changes.Relocated {
		if err := m.applyShardUpdate(s); err != nil {
			return err
		}
		m.metrics.ShardsRelocatedTotal.WithLabelValues(s.IndexName, "started").Inc()
	}
	for _, ignored := range changes.Ignored {
		m.metrics.ShardsIgnoredTotal.WithLabelValues(ignored.Shard.IndexName, ignored.Status).Inc()
	}
	return nil
}

func (m *MasterNode) applyShardUpdate(s *raft.ShardRouting) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal shard routing: %w", err)
	}
	cmd := raft.Command{Type: raft.CommandAllocateShard, Payload: payload}
	if err := m.raftNode.Apply(cmd, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply shard routing update: %w", err)
	}
	return nil
}

// initializeCluster generates and logs a cluster UUID when the cluster state
// has none. The UUID is not written to the cluster state, so ClusterUUID
// stays empty and a later start generates a different one.
func (m *MasterNode) initializeCluster() error {
	state := m.fsm.GetState()
	if state.ClusterUUID != "" {
		return nil // Already initialized
	}

	clusterUUID := uuid.New().String()
	m.logger.Info("Initializing cluster", zap.String("cluster_uuid", clusterUUID))

	return nil
}

// CreateIndex creates a new index in the cluster
func (m *MasterNode) CreateIndex(ctx context.Context, indexName string, numShards, numReplicas int32) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	index := &raft.IndexMeta{
		Name:        indexName,
		UUID:        uuid.New().String(),
		Version:     1,
		NumShards:   numShards,
		NumReplicas: numReplicas,
		Settings:    make(map[string]string),
		State:       "open",
		CreatedAt:   time.Now().Unix(),
	}

	payload, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	cmd := raft.Command{
		Type:    raft.CommandCreateIndex,
		Payload: payload,
	}

	if err := m.raftNode.Apply(cmd, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply create index command: %w", err)
	}

	m.logger.Info("Created index", zap.String("index", indexName))

	if err := m.allocateShards(ctx, indexName); err != nil {
		m.logger.Error("Failed to allocate shards",
			zap.String("index", indexName),
			zap.Error(err))
		// Don't fail index creation if allocation fails - the reconcile
		// loop will retry on its next tick.
	}

	return nil
}

// DeleteIndex deletes an index from the cluster
func (m *MasterNode) DeleteIndex(ctx context.Context, indexName string) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	req := struct {
		IndexName string `json:"index_name"`
	}{
		IndexName: indexName,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := raft.Command{
		Type:    raft.CommandDeleteIndex,
		Payload: payload,
	}

	if err := m.raftNode.Apply(cmd, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply delete index command: %w", err)
	}

	m.logger.Info("Deleted index", zap.String("index", indexName))

	return nil
}

// allocateShards runs one full allocation pass over the whole cluster once
// indexName has been created; indexName does not narrow the pass. It shares
// the exact same Balanced Shards Allocator path as the periodic reconcile
// loop; it just happens sooner.
func (m *MasterNode) allocateShards(ctx context.Context, indexName string) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return m.reconcile(ctx)
}

// RegisterNode registers a new node in the cluster
func (m *MasterNode) RegisterNode(ctx context.Context, nodeID, nodeType, bindAddr string, grpcPort int32) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	node := &raft.NodeMeta{
		NodeID:   nodeID,
		NodeType: nodeType,
		BindAddr: bindAddr,
		GRPCPort: grpcPort,
		Status:   "healthy",
		JoinedAt: time.Now().Unix(),
		LastSeen: time.Now().Unix(),
	}

	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	cmd := raft.Command{
		Type:    raft.CommandRegisterNode,
		Payload: payload,
	}

	if err := m.raftNode.Apply(cmd, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply register node command: %w", err)
	}

	m.logger.Info("Registered node", zap.String("node_id", nodeID))

	if err := m.reconcile(ctx); err != nil {
		m.logger.Error("Failed to allocate shards after node registration",
			zap.String("node_id", nodeID),
			zap.Error(err))
		// Don't fail registration if allocation fails - the reconcile
		// loop will retry on its next tick.
	}

	return nil
}

// GetClusterState returns the current cluster state
func (m *MasterNode) GetClusterState(ctx context.Context) (*raft.ClusterState, error) {
	return m.fsm.GetState(), nil
}

// IsLeader returns whether this node is the Raft leader
func (m *MasterNode) IsLeader() bool {
	return m.raftNode.IsLeader()
}

// Leader returns the current leader address
func (m *MasterNode) Leader() string {
	return m.raftNode.Leader()
}

// ExplainAllocation implements adminapi.Facade: it answers the weighShard
// explain query for one shard copy without mutating cluster state.
func (m *MasterNode) ExplainAllocation(indexName string, shardID int32, isPrimary bool) ([]allocation.NodeExplain, error) {
	state := m.fsm.GetState()
	rn := raft.NewRoutingNodes(state)
	ra := m.allocator.NewRoutingAllocation(state, rn)

	shard := &raft.ShardRouting{IndexName: indexName, ShardID: shardID, IsPrimary: isPrimary}
	for _, id := range rn.NodeIDs() {
		for _, s := range rn.Node(id).Shards() {
			if s.IndexName == indexName && s.ShardID == shardID && s.IsPrimary == isPrimary {
				shard = s
			}
		}
	}

	return m.allocator.WeighShard(ra, shard), nil
}

// Reroute implements adminapi.Facade: it forces an allocation pass outside
// the normal reconcile tick, e.g. right after an operator fixes a stuck
// decider condition.
func (m *MasterNode) Reroute(ctx context.Context) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}
	return m.reconcile(ctx)
}
