// Package store — in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests). Supports
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/graph"
	"github.com/waflow/control-plane/internal/registry"
	"github.com/waflow/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Flows map[string]*models.BotFlow            `json:"flows"` // key: tenant:flow_id
	Nodes map[string]map[string]*models.BotNode `json:"nodes"` // key: tenant:flow_id → node_id
}

// MemoryStore implements Store with in-memory maps.
//
// A single RWMutex serializes all structural mutations, which gives the
// single-writer-per-flow guarantee bulk creation, relinking, and
// duplication require. Reads take the read lock and return copies, so
// callers never observe a partially-committed batch.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*models.BotFlow            // key: tenant:flow_id (nodes kept separately)
	nodes map[string]map[string]*models.BotNode // key: tenant:flow_id → node_id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
}

// NewMemoryStore creates a new in-memory store.
// If WAFLOW_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.waflow/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		flows:  make(map[string]*models.BotFlow),
		nodes:  make(map[string]map[string]*models.BotNode),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	dataDir := os.Getenv("WAFLOW_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".waflow")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{Flows: m.flows, Nodes: m.nodes}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Flows != nil {
		m.flows = snap.Flows
	}
	if snap.Nodes != nil {
		m.nodes = snap.Nodes
	}

	nodeCount := 0
	for _, byID := range m.nodes {
		nodeCount += len(byID)
	}
	log.Info().
		Int("flows", len(m.flows)).
		Int("nodes", nodeCount).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save goroutine and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Flow Store ──────────────────────────────────────────────

func (m *MemoryStore) CreateFlow(_ context.Context, flow *models.BotFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNameFree(flow.Tenant, flow.Name, ""); err != nil {
		return err
	}

	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	if flow.Status == "" {
		flow.Status = models.FlowStatusDraft
	}
	// A new flow has no nodes yet, so it cannot carry a start node.
	flow.StartNodeID = ""
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	k := key(flow.Tenant, flow.ID)
	m.flows[k] = cloneFlow(flow)
	m.nodes[k] = make(map[string]*models.BotNode)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetFlow(_ context.Context, tenant, id string) (*models.BotFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flows[key(tenant, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "flow", Key: id}
	}
	out := cloneFlow(f)
	out.Nodes = m.nodesOfLocked(tenant, id)
	return out, nil
}

func (m *MemoryStore) ListFlows(_ context.Context, tenant string, filter ListFilter) ([]models.BotFlow, int, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []models.BotFlow
	for _, f := range m.flows {
		if f.Tenant != tenant {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		matched = append(matched, *cloneFlow(f))
	}

	// Newest first; ID tie-break keeps pagination stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start >= total {
		return []models.BotFlow{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) UpdateFlow(_ context.Context, flow *models.BotFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(flow.Tenant, flow.ID)
	existing, ok := m.flows[k]
	if !ok {
		return &ErrNotFound{Entity: "flow", Key: flow.ID}
	}
	if flow.Name != existing.Name {
		if err := m.checkNameFree(flow.Tenant, flow.Name, flow.ID); err != nil {
			return err
		}
	}
	if flow.StartNodeID != "" {
		if _, ok := m.nodes[k][flow.StartNodeID]; !ok {
			return &ErrDanglingReference{Field: "startNodeId", Target: flow.StartNodeID}
		}
	}

	up := cloneFlow(flow)
	up.CreatedAt = existing.CreatedAt
	up.CreatedBy = existing.CreatedBy
	up.UpdatedAt = time.Now().UTC()
	m.flows[k] = up
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteFlow(_ context.Context, tenant, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, id)
	if _, ok := m.flows[k]; !ok {
		return &ErrNotFound{Entity: "flow", Key: id}
	}
	delete(m.flows, k)
	delete(m.nodes, k) // cascade: a flow owns its nodes
	m.requestSave()
	return nil
}

func (m *MemoryStore) DuplicateFlow(_ context.Context, tenant, id, newName string) (*models.BotFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, id)
	src, ok := m.flows[k]
	if !ok {
		return nil, &ErrNotFound{Entity: "flow", Key: id}
	}
	if err := m.checkNameFree(tenant, newName, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dup := cloneFlow(src)
	dup.ID = uuid.NewString()
	dup.Name = newName
	dup.Status = models.FlowStatusDraft
	dup.CreatedAt = now
	dup.UpdatedAt = now

	// Pass 1: copy every node under a fresh ID, remembering old → new.
	mapping := make(map[string]string, len(m.nodes[k]))
	copies := make(map[string]*models.BotNode, len(m.nodes[k]))
	for oldID, n := range m.nodes[k] {
		c := cloneNode(n)
		c.ID = uuid.NewString()
		c.FlowID = dup.ID
		c.CreatedAt = now
		c.UpdatedAt = now
		mapping[oldID] = c.ID
		copies[c.ID] = c
	}

	// Pass 2: rewrite every internal reference through the mapping.
	for _, c := range copies {
		graph.RemapReferences(c, mapping)
	}
	if newStart, ok := mapping[dup.StartNodeID]; ok {
		dup.StartNodeID = newStart
	} else {
		dup.StartNodeID = ""
	}

	dk := key(tenant, dup.ID)
	m.flows[dk] = dup
	m.nodes[dk] = copies
	m.requestSave()

	out := cloneFlow(dup)
	out.Nodes = m.nodesOfLocked(tenant, dup.ID)
	return out, nil
}

// checkNameFree enforces per-tenant flow name uniqueness. exceptID exempts
// the flow being renamed. Caller must hold the write lock.
func (m *MemoryStore) checkNameFree(tenant, name, exceptID string) error {
	for _, f := range m.flows {
		if f.Tenant == tenant && f.Name == name && f.ID != exceptID {
			return &ErrDuplicateName{Tenant: tenant, Name: name}
		}
	}
	return nil
}

// ── Node Store ──────────────────────────────────────────────

func (m *MemoryStore) CreateNode(_ context.Context, tenant string, node *models.BotNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createNodeLocked(tenant, node)
}

func (m *MemoryStore) createNodeLocked(tenant string, node *models.BotNode) error {
	k := key(tenant, node.FlowID)
	flow, ok := m.flows[k]
	if !ok {
		return &ErrNotFound{Entity: "flow", Key: node.FlowID}
	}
	if errs := validateNode(flow, node); len(errs) > 0 {
		return &ErrInvalidNodeConfig{Errors: errs}
	}

	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	m.nodes[k][node.ID] = cloneNode(node)
	m.requestSave()
	return nil
}

func (m *MemoryStore) CreateNodesBulk(_ context.Context, tenant, flowID string, nodes []*models.BotNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, flowID)
	flow, ok := m.flows[k]
	if !ok {
		return &ErrNotFound{Entity: "flow", Key: flowID}
	}

	// All-or-nothing: validate the whole batch before touching the map so
	// a concurrent reader never sees a partially-built graph.
	var errs []string
	for i, n := range nodes {
		n.FlowID = flowID
		for _, msg := range validateNode(flow, n) {
			errs = append(errs, nodeLabel(i, n)+": "+msg)
		}
	}
	if len(errs) > 0 {
		return &ErrInvalidNodeConfig{Errors: errs}
	}

	now := time.Now().UTC()
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.CreatedAt = now
		n.UpdatedAt = now
		m.nodes[k][n.ID] = cloneNode(n)
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, tenant, flowID, nodeID string) (*models.BotNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[key(tenant, flowID)][nodeID]
	if !ok {
		return nil, &ErrNotFound{Entity: "node", Key: nodeID}
	}
	return cloneNode(n), nil
}

func (m *MemoryStore) ListNodes(_ context.Context, tenant, flowID string) ([]models.BotNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.flows[key(tenant, flowID)]; !ok {
		return nil, &ErrNotFound{Entity: "flow", Key: flowID}
	}
	return m.nodesOfLocked(tenant, flowID), nil
}

// nodesOfLocked returns copies of a flow's nodes in stable order.
// Caller must hold at least the read lock.
func (m *MemoryStore) nodesOfLocked(tenant, flowID string) []models.BotNode {
	byID := m.nodes[key(tenant, flowID)]
	out := make([]models.BotNode, 0, len(byID))
	for _, n := range byID {
		out = append(out, *cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) UpdateNode(_ context.Context, tenant string, node *models.BotNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, node.FlowID)
	flow, ok := m.flows[k]
	if !ok {
		return &ErrNotFound{Entity: "flow", Key: node.FlowID}
	}
	existing, ok := m.nodes[k][node.ID]
	if !ok {
		return &ErrNotFound{Entity: "node", Key: node.ID}
	}
	if errs := validateNode(flow, node); len(errs) > 0 {
		return &ErrInvalidNodeConfig{Errors: errs}
	}

	up := cloneNode(node)
	up.CreatedAt = existing.CreatedAt
	up.UpdatedAt = time.Now().UTC()
	m.nodes[k][node.ID] = up
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, tenant, flowID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, flowID)
	if _, ok := m.nodes[k][nodeID]; !ok {
		return &ErrNotFound{Entity: "node", Key: nodeID}
	}
	// References pointing at the deleted node are NOT repaired here; the
	// next validation pass reports them as dangling.
	delete(m.nodes[k], nodeID)
	m.requestSave()
	return nil
}

func (m *MemoryStore) RelinkNodes(_ context.Context, tenant, flowID string, edits []models.RelinkEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, flowID)
	byID, ok := m.nodes[k]
	if !ok {
		return &ErrNotFound{Entity: "flow", Key: flowID}
	}

	// Apply the batch on copies first; only commit when every edit passed.
	staged := make(map[string]*models.BotNode, len(edits))
	for _, e := range edits {
		n := staged[e.NodeID]
		if n == nil {
			orig, ok := byID[e.NodeID]
			if !ok {
				return &ErrNotFound{Entity: "node", Key: e.NodeID}
			}
			n = cloneNode(orig)
			staged[e.NodeID] = n
		}
		if e.TargetNodeID != "" {
			if _, ok := byID[e.TargetNodeID]; !ok {
				return &ErrDanglingReference{NodeID: e.NodeID, Field: e.Field, Target: e.TargetNodeID}
			}
		}
		if err := graph.ApplyRelink(n, e.Field, e.TargetNodeID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for id, n := range staged {
		n.UpdatedAt = now
		byID[id] = n
	}
	m.requestSave()
	return nil
}

// ── helpers ─────────────────────────────────────────────────

// validateNode runs type and per-type config checks against the owning flow.
func validateNode(flow *models.BotFlow, node *models.BotNode) []string {
	if !node.Type.Valid() {
		return []string{"unknown node type \"" + string(node.Type) + "\""}
	}
	return registry.ValidateConfig(flow.Variables, node.Type, node.Config)
}

func nodeLabel(i int, n *models.BotNode) string {
	if n.Name != "" {
		return "node \"" + n.Name + "\""
	}
	return "node #" + strconv.Itoa(i)
}

// cloneFlow deep-copies a flow (without nodes).
func cloneFlow(f *models.BotFlow) *models.BotFlow {
	c := *f
	c.Nodes = nil
	if f.Variables != nil {
		c.Variables = make(map[string]models.Variable, len(f.Variables))
		for k, v := range f.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// cloneNode deep-copies a node, including config slices and maps.
func cloneNode(n *models.BotNode) *models.BotNode {
	c := *n
	if n.Config.Buttons != nil {
		c.Config.Buttons = append([]models.Button(nil), n.Config.Buttons...)
	}
	if n.Config.Options != nil {
		c.Config.Options = append([]models.MenuOption(nil), n.Config.Options...)
	}
	if n.Config.Conditions != nil {
		c.Config.Conditions = append([]models.Condition(nil), n.Config.Conditions...)
	}
	if n.Config.Headers != nil {
		c.Config.Headers = make(map[string]string, len(n.Config.Headers))
		for k, v := range n.Config.Headers {
			c.Config.Headers[k] = v
		}
	}
	if n.Config.Validation != nil {
		v := *n.Config.Validation
		c.Config.Validation = &v
	}
	return &c
}
