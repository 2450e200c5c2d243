// Package store provides durable storage and identity management for bot
// flows and their nodes, with referential-integrity enforcement at write
// time. Handlers and services depend only on the Store interface so the
// in-memory implementation (local dev, tests) and PostgreSQL (production)
// are interchangeable.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/waflow/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	FlowStore
	NodeStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate prepares the backing schema.
	Migrate(ctx context.Context) error
}

// ListFilter narrows and pages flow listings.
type ListFilter struct {
	Status models.FlowStatus // empty = all
	Page   int               // 1-based; defaults to 1
	Limit  int               // defaults to 20, capped at 100
}

// Normalize applies defaults and caps.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f
}

// FlowStore manages BotFlow entities. A flow exclusively owns its nodes:
// DeleteFlow cascades.
type FlowStore interface {
	// CreateFlow persists a new flow in draft status. Fails with
	// *ErrDuplicateName when the tenant already has a flow with that name.
	CreateFlow(ctx context.Context, flow *models.BotFlow) error

	// GetFlow returns the flow with its nodes embedded.
	GetFlow(ctx context.Context, tenant, id string) (*models.BotFlow, error)

	// ListFlows returns flows (without nodes) and the total match count.
	ListFlows(ctx context.Context, tenant string, filter ListFilter) ([]models.BotFlow, int, error)

	// UpdateFlow persists name/description/settings/variables/startNodeId/
	// status changes. The Nodes field is ignored.
	UpdateFlow(ctx context.Context, flow *models.BotFlow) error

	// DeleteFlow removes the flow and all of its nodes.
	DeleteFlow(ctx context.Context, tenant, id string) error

	// DuplicateFlow deep-copies the flow and all nodes under fresh IDs,
	// rewriting every internal reference (nextNodeId, branch targets,
	// startNodeId) to the corresponding new ID. The copy is always created
	// in draft status. The two-pass remap runs inside one critical section
	// so no reader observes mixed old and new IDs.
	DuplicateFlow(ctx context.Context, tenant, id, newName string) (*models.BotFlow, error)
}

// NodeStore manages the nodes of a flow. Structural mutations on the same
// flow are serialized (single writer per flow); reads see consistent
// snapshots.
type NodeStore interface {
	// CreateNode persists one node. Fails with *ErrNotFound when the flow
	// is unknown and *ErrInvalidNodeConfig when the config is malformed
	// for the node's type.
	CreateNode(ctx context.Context, tenant string, node *models.BotNode) error

	// CreateNodesBulk persists all nodes or none: a single invalid node
	// aborts the whole batch with the aggregated error list.
	CreateNodesBulk(ctx context.Context, tenant, flowID string, nodes []*models.BotNode) error

	// GetNode returns a single node of a flow.
	GetNode(ctx context.Context, tenant, flowID, nodeID string) (*models.BotNode, error)

	// ListNodes returns all nodes of a flow.
	ListNodes(ctx context.Context, tenant, flowID string) ([]models.BotNode, error)

	// UpdateNode persists config/nextNodeId/name/position changes.
	UpdateNode(ctx context.Context, tenant string, node *models.BotNode) error

	// DeleteNode removes one node. It does NOT repair references pointing
	// at the deleted node; those surface at the next validation pass.
	DeleteNode(ctx context.Context, tenant, flowID, nodeID string) error

	// RelinkNodes applies a batch of transition-target rewrites. Every
	// target must name an existing node in the flow; the whole batch is
	// rejected on the first invalid edit (fail-fast, no partial relink).
	RelinkNodes(ctx context.Context, tenant, flowID string, edits []models.RelinkEdit) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested flow or node does not exist.
type ErrNotFound struct {
	Entity string // "flow" | "node"
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicateName is returned when a tenant already has a flow with the
// requested name.
type ErrDuplicateName struct {
	Tenant string
	Name   string
}

func (e *ErrDuplicateName) Error() string {
	return fmt.Sprintf("flow name %q already exists in tenant %q", e.Name, e.Tenant)
}

// ErrInvalidNodeConfig aggregates every config violation found in a node
// create/update, or across a whole bulk batch.
type ErrInvalidNodeConfig struct {
	Errors []string
}

func (e *ErrInvalidNodeConfig) Error() string {
	return "invalid node config: " + strings.Join(e.Errors, "; ")
}

// ErrDanglingReference is returned when a write would point a transition
// (or the start node) at a node that does not exist in the flow.
type ErrDanglingReference struct {
	NodeID string // referencing node; empty for startNodeId
	Field  string
	Target string
}

func (e *ErrDanglingReference) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s references unknown node %s", e.Field, e.Target)
	}
	return fmt.Sprintf("node %s %s references unknown node %s", e.NodeID, e.Field, e.Target)
}
