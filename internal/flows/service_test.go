package flows_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/waflow/control-plane/internal/flows"
	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

func newTestService(t *testing.T) (*flows.Service, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("WAFLOW_DATA_DIR", dir)
	defer os.Unsetenv("WAFLOW_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return flows.NewService(s), s
}

// seedFlow creates a minimal two-node flow. When wire is true the nodes are
// linked and the start node is set, so the flow passes validation; when
// false the message node points at a ghost target.
func seedFlow(t *testing.T, s store.Store, name string, wire bool) *models.BotFlow {
	t.Helper()
	ctx := context.Background()

	flow := &models.BotFlow{Tenant: "default", Name: name}
	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("CreateFlow() error = %v", err)
	}

	endNode := &models.BotNode{FlowID: flow.ID, Name: "end", Type: models.NodeEnd}
	if err := s.CreateNode(ctx, "default", endNode); err != nil {
		t.Fatalf("CreateNode(end) error = %v", err)
	}

	next := endNode.ID
	if !wire {
		next = "ghost"
	}
	hello := &models.BotNode{
		FlowID:     flow.ID,
		Name:       "hello",
		Type:       models.NodeMessage,
		Config:     models.NodeConfig{Message: "hi"},
		NextNodeID: next,
	}
	if err := s.CreateNode(ctx, "default", hello); err != nil {
		t.Fatalf("CreateNode(hello) error = %v", err)
	}

	flow.StartNodeID = hello.ID
	if err := s.UpdateFlow(ctx, flow); err != nil {
		t.Fatalf("UpdateFlow() error = %v", err)
	}
	return flow
}

func TestPublish_ValidFlow(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "publishable", true)

	got, err := svc.Publish(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got.Status != models.FlowStatusActive {
		t.Errorf("Publish() status = %q, want active", got.Status)
	}
}

func TestPublish_InvalidFlowStaysDraft(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "broken", false)

	_, err := svc.Publish(ctx, "default", flow.ID)
	var notPub *flows.ErrNotPublishable
	if !errors.As(err, &notPub) {
		t.Fatalf("Publish() error = %v, want *ErrNotPublishable", err)
	}
	if len(notPub.Errors) == 0 {
		t.Error("ErrNotPublishable carries no validation errors")
	}

	got, _ := s.GetFlow(ctx, "default", flow.ID)
	if got.Status != models.FlowStatusDraft {
		t.Errorf("after failed publish, status = %q, want draft", got.Status)
	}
}

func TestPublish_ActiveIsNoOp(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "twice", true)

	if _, err := svc.Publish(ctx, "default", flow.ID); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	got, err := svc.Publish(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if got.Status != models.FlowStatusActive {
		t.Errorf("second Publish() status = %q, want active", got.Status)
	}
}

func TestDeactivateAndRepublish(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "toggle", true)

	if _, err := svc.Publish(ctx, "default", flow.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got, err := svc.Deactivate(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if got.Status != models.FlowStatusInactive {
		t.Errorf("Deactivate() status = %q, want inactive", got.Status)
	}

	got, err = svc.Publish(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("re-Publish() error = %v", err)
	}
	if got.Status != models.FlowStatusActive {
		t.Errorf("re-Publish() status = %q, want active", got.Status)
	}
}

func TestRepublish_RevalidatesEdits(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "edited-while-inactive", true)

	if _, err := svc.Publish(ctx, "default", flow.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := svc.Deactivate(ctx, "default", flow.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	// Break the graph while inactive: delete the end node.
	full, _ := s.GetFlow(ctx, "default", flow.ID)
	for _, n := range full.Nodes {
		if n.Type == models.NodeEnd {
			if err := s.DeleteNode(ctx, "default", flow.ID, n.ID); err != nil {
				t.Fatalf("DeleteNode() error = %v", err)
			}
		}
	}

	_, err := svc.Publish(ctx, "default", flow.ID)
	var notPub *flows.ErrNotPublishable
	if !errors.As(err, &notPub) {
		t.Fatalf("re-Publish() after breaking edit error = %v, want *ErrNotPublishable", err)
	}
}

func TestDeactivate_DraftIsInvalidTransition(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "still-draft", true)

	_, err := svc.Deactivate(ctx, "default", flow.ID)
	var invalid *flows.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("Deactivate(draft) error = %v, want *ErrInvalidTransition", err)
	}
}

func TestSetStatus_ActiveToDraftRejected(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "no-downgrade", true)

	if _, err := svc.Publish(ctx, "default", flow.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	_, err := svc.SetStatus(ctx, "default", flow.ID, models.FlowStatusDraft)
	var invalid *flows.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("SetStatus(draft) error = %v, want *ErrInvalidTransition", err)
	}
}

func TestSetStatus_UnknownStatus(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "bogus-status", true)

	if _, err := svc.SetStatus(ctx, "default", flow.ID, models.FlowStatus("archived")); err == nil {
		t.Error("SetStatus(archived) error = nil, want error")
	}
}

func TestValidate_DoesNotChangeStatus(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "validate-only", false)

	result, err := svc.Validate(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Validate() = valid, want invalid (ghost target)")
	}

	got, _ := s.GetFlow(ctx, "default", flow.ID)
	if got.Status != models.FlowStatusDraft {
		t.Errorf("Validate() changed status to %q", got.Status)
	}
}

func TestDuplicate_NameSuffix(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "original", true)

	dup, err := svc.Duplicate(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if dup.Name != "original (copy)" {
		t.Errorf("first copy name = %q, want %q", dup.Name, "original (copy)")
	}

	dup2, err := svc.Duplicate(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("second Duplicate() error = %v", err)
	}
	if dup2.Name != "original (copy 2)" {
		t.Errorf("second copy name = %q, want %q", dup2.Name, "original (copy 2)")
	}
}

func TestDuplicate_CopyIsIndependentlyPublishable(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	flow := seedFlow(t, s, "source", true)

	dup, err := svc.Duplicate(ctx, "default", flow.ID)
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if dup.Status != models.FlowStatusDraft {
		t.Errorf("copy status = %q, want draft", dup.Status)
	}

	// All references were remapped, so the copy validates on its own.
	got, err := svc.Publish(ctx, "default", dup.ID)
	if err != nil {
		t.Fatalf("Publish(copy) error = %v", err)
	}
	if got.Status != models.FlowStatusActive {
		t.Errorf("Publish(copy) status = %q, want active", got.Status)
	}
}
