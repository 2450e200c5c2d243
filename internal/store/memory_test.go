package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	// Use a temp dir so tests don't write to ~/.waflow/
	dir := t.TempDir()
	os.Setenv("WAFLOW_DATA_DIR", dir)
	defer os.Unsetenv("WAFLOW_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

// mustCreateFlow creates a draft flow with the given variables declared.
func mustCreateFlow(t *testing.T, s store.Store, name string, vars ...string) *models.BotFlow {
	t.Helper()
	variables := make(map[string]models.Variable, len(vars))
	for _, v := range vars {
		variables[v] = models.Variable{Name: v, Type: "string"}
	}
	flow := &models.BotFlow{Tenant: "default", Name: name, Variables: variables}
	if err := s.CreateFlow(context.Background(), flow); err != nil {
		t.Fatalf("CreateFlow(%q) error = %v", name, err)
	}
	return flow
}

func messageNode(flowID, name, next string) *models.BotNode {
	return &models.BotNode{
		FlowID:     flowID,
		Name:       name,
		Type:       models.NodeMessage,
		Config:     models.NodeConfig{Message: "hello"},
		NextNodeID: next,
	}
}

// ─── Flow CRUD ───────────────────────────────────────────────

func TestCreateAndGetFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "Collections")

	got, err := s.GetFlow(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if got.Name != "Collections" {
		t.Errorf("GetFlow().Name = %q, want %q", got.Name, "Collections")
	}
	if got.Status != models.FlowStatusDraft {
		t.Errorf("GetFlow().Status = %q, want %q", got.Status, models.FlowStatusDraft)
	}
	if got.StartNodeID != "" {
		t.Errorf("new flow StartNodeID = %q, want empty", got.StartNodeID)
	}
}

func TestCreateFlow_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateFlow(t, s, "dup")
	err := s.CreateFlow(ctx, &models.BotFlow{Tenant: "default", Name: "dup"})

	var dupErr *store.ErrDuplicateName
	if !errors.As(err, &dupErr) {
		t.Fatalf("CreateFlow() error = %v, want *ErrDuplicateName", err)
	}
}

func TestCreateFlow_SameNameOtherTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateFlow(t, s, "shared")
	err := s.CreateFlow(ctx, &models.BotFlow{Tenant: "other", Name: "shared"})
	if err != nil {
		t.Fatalf("CreateFlow() in other tenant error = %v, want nil", err)
	}
}

func TestGetFlow_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetFlow(context.Background(), "default", "nope")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetFlow() error = %v, want *ErrNotFound", err)
	}
}

func TestListFlows_FilterAndPaginate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"f1", "f2", "f3", "f4", "f5"} {
		mustCreateFlow(t, s, name)
	}

	flows, total, err := s.ListFlows(ctx, "default", store.ListFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if total != 5 {
		t.Errorf("ListFlows() total = %d, want 5", total)
	}
	if len(flows) != 2 {
		t.Errorf("ListFlows() returned %d flows, want 2", len(flows))
	}

	flows, _, _ = s.ListFlows(ctx, "default", store.ListFilter{Page: 3, Limit: 2})
	if len(flows) != 1 {
		t.Errorf("ListFlows() page 3 returned %d flows, want 1", len(flows))
	}

	// Status filter: nothing is active yet.
	flows, total, _ = s.ListFlows(ctx, "default", store.ListFilter{Status: "active"})
	if total != 0 || len(flows) != 0 {
		t.Errorf("ListFlows(active) = %d flows (total %d), want 0", len(flows), total)
	}
}

func TestUpdateFlow_StartNodeMustExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "start-check")
	flow.StartNodeID = "no-such-node"

	err := s.UpdateFlow(ctx, flow)
	var dangling *store.ErrDanglingReference
	if !errors.As(err, &dangling) {
		t.Fatalf("UpdateFlow() error = %v, want *ErrDanglingReference", err)
	}
	if dangling.Field != "startNodeId" {
		t.Errorf("dangling field = %q, want %q", dangling.Field, "startNodeId")
	}
}

func TestUpdateFlow_PreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "timestamps")
	created := flow.CreatedAt

	flow.Description = "updated"
	if err := s.UpdateFlow(ctx, flow); err != nil {
		t.Fatalf("UpdateFlow() error = %v", err)
	}

	got, _ := s.GetFlow(ctx, "default", flow.ID)
	if !got.CreatedAt.Equal(created) {
		t.Errorf("UpdateFlow changed CreatedAt: %v → %v", created, got.CreatedAt)
	}
	if !got.UpdatedAt.After(created) && !got.UpdatedAt.Equal(created) {
		t.Errorf("UpdatedAt = %v, want >= %v", got.UpdatedAt, created)
	}
}

func TestDeleteFlow_CascadesNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "cascade")
	n := messageNode(flow.ID, "only", "")
	if err := s.CreateNode(ctx, "default", n); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	if err := s.DeleteFlow(ctx, "default", flow.ID); err != nil {
		t.Fatalf("DeleteFlow() error = %v", err)
	}
	if _, err := s.GetNode(ctx, "default", flow.ID, n.ID); err == nil {
		t.Error("GetNode() after flow delete should return error, got nil")
	}
}

// ─── Node CRUD ───────────────────────────────────────────────

func TestCreateNode_InvalidConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "bad-config")
	n := &models.BotNode{FlowID: flow.ID, Name: "empty msg", Type: models.NodeMessage}

	err := s.CreateNode(ctx, "default", n)
	var invalid *store.ErrInvalidNodeConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("CreateNode() error = %v, want *ErrInvalidNodeConfig", err)
	}
	if len(invalid.Errors) == 0 {
		t.Error("ErrInvalidNodeConfig carries no messages")
	}
}

func TestCreateNode_UnknownType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "bad-type")
	n := &models.BotNode{FlowID: flow.ID, Type: models.NodeType("teleport")}

	err := s.CreateNode(ctx, "default", n)
	var invalid *store.ErrInvalidNodeConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("CreateNode() error = %v, want *ErrInvalidNodeConfig", err)
	}
}

func TestCreateNodesBulk_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "bulk")
	nodes := []*models.BotNode{
		messageNode(flow.ID, "ok", ""),
		{FlowID: flow.ID, Name: "broken", Type: models.NodeMessage}, // missing message
	}

	err := s.CreateNodesBulk(ctx, "default", flow.ID, nodes)
	var invalid *store.ErrInvalidNodeConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("CreateNodesBulk() error = %v, want *ErrInvalidNodeConfig", err)
	}

	listed, _ := s.ListNodes(ctx, "default", flow.ID)
	if len(listed) != 0 {
		t.Errorf("after failed bulk create, ListNodes() returned %d nodes, want 0", len(listed))
	}
}

func TestUpdateNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "node-update")
	n := messageNode(flow.ID, "greeting", "")
	if err := s.CreateNode(ctx, "default", n); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	n.Config.Message = "hola"
	if err := s.UpdateNode(ctx, "default", n); err != nil {
		t.Fatalf("UpdateNode() error = %v", err)
	}

	got, _ := s.GetNode(ctx, "default", flow.ID, n.ID)
	if got.Config.Message != "hola" {
		t.Errorf("after update, message = %q, want %q", got.Config.Message, "hola")
	}
}

func TestDeleteNode_LeavesDanglingReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "dangling")
	target := messageNode(flow.ID, "target", "")
	if err := s.CreateNode(ctx, "default", target); err != nil {
		t.Fatalf("CreateNode(target) error = %v", err)
	}
	src := messageNode(flow.ID, "source", target.ID)
	if err := s.CreateNode(ctx, "default", src); err != nil {
		t.Fatalf("CreateNode(source) error = %v", err)
	}

	if err := s.DeleteNode(ctx, "default", flow.ID, target.ID); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}

	// The source still points at the deleted node; validation finds it later.
	got, _ := s.GetNode(ctx, "default", flow.ID, src.ID)
	if got.NextNodeID != target.ID {
		t.Errorf("DeleteNode rewrote source reference to %q, want untouched %q", got.NextNodeID, target.ID)
	}
}

// ─── Relink ─────────────────────────────────────────────────

func TestRelinkNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "relink")
	a := messageNode(flow.ID, "a", "")
	b := messageNode(flow.ID, "b", "")
	for _, n := range []*models.BotNode{a, b} {
		if err := s.CreateNode(ctx, "default", n); err != nil {
			t.Fatalf("CreateNode() error = %v", err)
		}
	}

	edits := []models.RelinkEdit{{NodeID: a.ID, Field: "nextNodeId", TargetNodeID: b.ID}}
	if err := s.RelinkNodes(ctx, "default", flow.ID, edits); err != nil {
		t.Fatalf("RelinkNodes() error = %v", err)
	}

	got, _ := s.GetNode(ctx, "default", flow.ID, a.ID)
	if got.NextNodeID != b.ID {
		t.Errorf("after relink, NextNodeID = %q, want %q", got.NextNodeID, b.ID)
	}
}

func TestRelinkNodes_FailFast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "relink-fail")
	a := messageNode(flow.ID, "a", "")
	b := messageNode(flow.ID, "b", "")
	for _, n := range []*models.BotNode{a, b} {
		if err := s.CreateNode(ctx, "default", n); err != nil {
			t.Fatalf("CreateNode() error = %v", err)
		}
	}

	// First edit is fine, second targets a ghost; neither may land.
	edits := []models.RelinkEdit{
		{NodeID: a.ID, Field: "nextNodeId", TargetNodeID: b.ID},
		{NodeID: b.ID, Field: "nextNodeId", TargetNodeID: "ghost"},
	}
	err := s.RelinkNodes(ctx, "default", flow.ID, edits)
	var dangling *store.ErrDanglingReference
	if !errors.As(err, &dangling) {
		t.Fatalf("RelinkNodes() error = %v, want *ErrDanglingReference", err)
	}

	got, _ := s.GetNode(ctx, "default", flow.ID, a.ID)
	if got.NextNodeID != "" {
		t.Errorf("failed relink batch partially applied: a.NextNodeID = %q, want empty", got.NextNodeID)
	}
}

func TestRelinkNodes_ClearTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "relink-clear")
	b := messageNode(flow.ID, "b", "")
	if err := s.CreateNode(ctx, "default", b); err != nil {
		t.Fatalf("CreateNode(b) error = %v", err)
	}
	a := messageNode(flow.ID, "a", b.ID)
	if err := s.CreateNode(ctx, "default", a); err != nil {
		t.Fatalf("CreateNode(a) error = %v", err)
	}

	edits := []models.RelinkEdit{{NodeID: a.ID, Field: "nextNodeId", TargetNodeID: ""}}
	if err := s.RelinkNodes(ctx, "default", flow.ID, edits); err != nil {
		t.Fatalf("RelinkNodes() error = %v", err)
	}

	got, _ := s.GetNode(ctx, "default", flow.ID, a.ID)
	if got.NextNodeID != "" {
		t.Errorf("after clearing relink, NextNodeID = %q, want empty", got.NextNodeID)
	}
}

// ─── Duplication ────────────────────────────────────────────

func TestDuplicateFlow_RemapsReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "orig", "answer")
	end := &models.BotNode{FlowID: flow.ID, Name: "end", Type: models.NodeEnd}
	if err := s.CreateNode(ctx, "default", end); err != nil {
		t.Fatalf("CreateNode(end) error = %v", err)
	}
	branch := &models.BotNode{
		FlowID: flow.ID,
		Name:   "branch",
		Type:   models.NodeCondition,
		Config: models.NodeConfig{
			Variable: "answer",
			Conditions: []models.Condition{
				{Variable: "answer", Operator: models.OpEquals, Value: "yes", NextNodeID: end.ID},
			},
			ElseNodeID: end.ID,
		},
	}
	if err := s.CreateNode(ctx, "default", branch); err != nil {
		t.Fatalf("CreateNode(branch) error = %v", err)
	}
	flow.StartNodeID = branch.ID
	if err := s.UpdateFlow(ctx, flow); err != nil {
		t.Fatalf("UpdateFlow() error = %v", err)
	}
	flow.Status = models.FlowStatusActive
	if err := s.UpdateFlow(ctx, flow); err != nil {
		t.Fatalf("UpdateFlow(active) error = %v", err)
	}

	dup, err := s.DuplicateFlow(ctx, "default", flow.ID, "orig (copy)")
	if err != nil {
		t.Fatalf("DuplicateFlow() error = %v", err)
	}
	if dup.ID == flow.ID {
		t.Fatal("duplicate shares the source flow ID")
	}
	if dup.Status != models.FlowStatusDraft {
		t.Errorf("duplicate status = %q, want %q", dup.Status, models.FlowStatusDraft)
	}
	if len(dup.Nodes) != 2 {
		t.Fatalf("duplicate has %d nodes, want 2", len(dup.Nodes))
	}

	// Every reference in the copy must point inside the copy.
	ids := make(map[string]bool, len(dup.Nodes))
	oldIDs := map[string]bool{end.ID: true, branch.ID: true}
	for _, n := range dup.Nodes {
		if oldIDs[n.ID] {
			t.Errorf("duplicate node kept source ID %s", n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[dup.StartNodeID] {
		t.Errorf("duplicate StartNodeID %q not among its own nodes", dup.StartNodeID)
	}
	for _, n := range dup.Nodes {
		for _, c := range n.Config.Conditions {
			if !ids[c.NextNodeID] {
				t.Errorf("condition target %q escapes the copy", c.NextNodeID)
			}
		}
		if n.Config.ElseNodeID != "" && !ids[n.Config.ElseNodeID] {
			t.Errorf("else target %q escapes the copy", n.Config.ElseNodeID)
		}
	}

	// Source untouched.
	src, _ := s.GetFlow(ctx, "default", flow.ID)
	if src.Status != models.FlowStatusActive {
		t.Errorf("source status after duplicate = %q, want active", src.Status)
	}
	if len(src.Nodes) != 2 {
		t.Errorf("source has %d nodes after duplicate, want 2", len(src.Nodes))
	}
}

func TestDuplicateFlow_NameTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := mustCreateFlow(t, s, "first")
	mustCreateFlow(t, s, "first (copy)")

	_, err := s.DuplicateFlow(ctx, "default", flow.ID, "first (copy)")
	var dupErr *store.ErrDuplicateName
	if !errors.As(err, &dupErr) {
		t.Fatalf("DuplicateFlow() error = %v, want *ErrDuplicateName", err)
	}
}

// ─── Close / Snapshot ───────────────────────────────────────

func TestCloseFlush(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("WAFLOW_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("WAFLOW_DATA_DIR")

	ctx := context.Background()
	flow := &models.BotFlow{Tenant: "default", Name: "persist-me"}
	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("CreateFlow() error = %v", err)
	}
	n := messageNode(flow.ID, "survives", "")
	if err := s.CreateNode(ctx, "default", n); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	// Close should flush to disk
	s.Close()

	// Reopen and verify data survived
	os.Setenv("WAFLOW_DATA_DIR", dir)
	s2 := store.NewMemoryStore()
	os.Unsetenv("WAFLOW_DATA_DIR")
	defer s2.Close()

	got, err := s2.GetFlow(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("After reopen, GetFlow() error = %v", err)
	}
	if got.Name != "persist-me" {
		t.Errorf("After reopen, flow name = %q, want %q", got.Name, "persist-me")
	}
	if len(got.Nodes) != 1 || got.Nodes[0].Name != "survives" {
		t.Errorf("After reopen, nodes = %+v, want the one created node", got.Nodes)
	}
}
