package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

// GossipService manages cluster membership and shares how far each store
// served by this node has advanced.
type GossipService struct {
	config     *config.GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	nodeID     string
	services   []*SyncService

	mu    sync.RWMutex
	local model.NodeAnnouncement
	peers map[string]model.NodeAnnouncement

	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewGossipService creates a new gossip service announcing services.
func NewGossipService(cfg *config.GossipConfig, nodeID string, services []*SyncService, logger *zap.Logger, m *metrics.Metrics) (*GossipService, error) {
	gs := newGossipState(cfg, nodeID, services, logger, m)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: mlConfig.RetransmitMult,
	}

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	gs.wg.Add(1)
	go gs.announceLoop()

	return gs, nil
}

func newGossipState(cfg *config.GossipConfig, nodeID string, services []*SyncService, logger *zap.Logger, m *metrics.Metrics) *GossipService {
	gs := &GossipService{
		config:   cfg,
		nodeID:   nodeID,
		services: services,
		peers:    make(map[string]model.NodeAnnouncement),
		stopChan: make(chan struct{}),
		logger:   logger,
		metrics:  m,
	}
	gs.refresh()
	return gs
}

// refresh rebuilds the local announcement and reports whether any store moved.
func (s *GossipService) refresh() bool {
	ann := model.NodeAnnouncement{
		NodeID:    s.nodeID,
		Status:    model.NodeStatusHealthy,
		Timestamp: time.Now().Unix(),
	}
	for _, svc := range s.services {
		info := svc.StoreInfo()
		ann.Stores = append(ann.Stores, model.StoreFrontier{
			Name:     svc.Name(),
			UID:      info.UID,
			Sources:  info.Sources,
			Versions: svc.Frontier(),
		})
		ann.Subscriptions += svc.SubscriptionCount()
		if !svc.Healthy() {
			ann.Status = model.NodeStatusDegraded
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := ann.Status != s.local.Status || !sameFrontiers(ann.Stores, s.local.Stores)
	s.local = ann
	return changed
}

func sameFrontiers(a, b []model.StoreFrontier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UID != b[i].UID || len(a[i].Versions) != len(b[i].Versions) {
			return false
		}
		if !a[i].Versions.Covers(b[i].Versions) || !b[i].Versions.Covers(a[i].Versions) {
			return false
		}
	}
	return true
}

func (s *GossipService) announceLoop() {
	defer s.wg.Done()
	interval := s.config.GossipInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.refresh() {
				s.broadcasts.QueueBroadcast(&announcementBroadcast{msg: s.encodeLocal()})
			}
			s.reportStats()
		case <-s.stopChan:
			return
		}
	}
}

func (s *GossipService) reportStats() {
	if s.memberlist == nil {
		return
	}
	total := s.memberlist.NumMembers()
	healthy := 0
	s.mu.RLock()
	for _, p := range s.peers {
		if p.Status == model.NodeStatusHealthy {
			healthy++
		}
	}
	if s.local.Status == model.NodeStatusHealthy {
		healthy++
	}
	s.mu.RUnlock()
	s.metrics.UpdateGossipStats(total, healthy)
}

func (s *GossipService) encodeLocal() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.local)
	return data
}

// NodeMeta implements memberlist.Delegate. Meta only carries the status; the
// frontiers travel in broadcasts and push/pull state.
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	status := s.local.Status
	s.mu.RUnlock()
	data := []byte(status)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.metrics.RecordGossipMessage("announcement")
	s.mergeAnnouncement(data)
}

func (s *GossipService) mergeAnnouncement(data []byte) {
	var ann model.NodeAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if ann.NodeID == "" || ann.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.peers[ann.NodeID]; ok && cur.Timestamp > ann.Timestamp {
		return
	}
	s.peers[ann.NodeID] = ann

	s.logger.Debug("Received store frontiers",
		zap.String("node_id", ann.NodeID),
		zap.String("status", string(ann.Status)),
		zap.Int("stores", len(ann.Stores)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	if s.broadcasts == nil {
		return nil
	}
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.encodeLocal()
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.metrics.RecordGossipMessage("state")
	s.mergeAnnouncement(buf)
}

// Peers returns the latest announcement of every other node, by node id.
func (s *GossipService) Peers() []model.NodeAnnouncement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NodeAnnouncement, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Local returns this node's current announcement.
func (s *GossipService) Local() model.NodeAnnouncement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

func (s *GossipService) forget(nodeID string) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	s.mu.Unlock()
}

// Shutdown leaves the cluster and stops announcing.
func (s *GossipService) Shutdown() error {
	close(s.stopChan)
	s.wg.Wait()
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

type announcementBroadcast struct {
	msg []byte
}

// Invalidates implements memberlist.Broadcast. A newer local announcement
// replaces any queued one.
func (b *announcementBroadcast) Invalidates(other memberlist.Broadcast) bool {
	_, ok := other.(*announcementBroadcast)
	return ok
}

func (b *announcementBroadcast) Message() []byte { return b.msg }

func (b *announcementBroadcast) Finished() {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.forget(node.Name)
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name),
		zap.String("status", string(node.Meta)))
}
