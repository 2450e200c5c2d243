// Package flows implements the flow lifecycle controller: the status state
// machine over draft → active ⇄ inactive, with publication gated on full
// graph validation.
package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/graph"
	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

// ErrNotPublishable is returned when publish is attempted against a flow
// that fails graph validation. It carries the full error list so an editor
// can highlight every broken node in one round trip.
type ErrNotPublishable struct {
	FlowID string
	Errors []string
}

func (e *ErrNotPublishable) Error() string {
	return fmt.Sprintf("flow %s is not publishable: %s", e.FlowID, strings.Join(e.Errors, "; "))
}

// ErrInvalidTransition is returned for status changes outside the state
// machine (e.g. active → draft).
type ErrInvalidTransition struct {
	From models.FlowStatus
	To   models.FlowStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot transition flow from %s to %s", e.From, e.To)
}

// Service drives flow lifecycle transitions on top of the store.
type Service struct {
	store store.Store
}

// NewService creates a lifecycle service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Validate runs the full graph validation pass without changing anything.
func (s *Service) Validate(ctx context.Context, tenant, id string) (models.ValidationResult, error) {
	flow, err := s.store.GetFlow(ctx, tenant, id)
	if err != nil {
		return models.ValidationResult{}, err
	}
	return graph.Validate(flow, flow.Nodes), nil
}

// Publish moves a draft or inactive flow to active. The transition only
// happens when the graph passes full validation; on failure the status is
// left untouched and the caller receives every violation found.
// Re-activation of an inactive flow re-validates, so live edits made while
// inactive cannot smuggle a broken graph back into service.
func (s *Service) Publish(ctx context.Context, tenant, id string) (*models.BotFlow, error) {
	flow, err := s.store.GetFlow(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if flow.Status == models.FlowStatusActive {
		return flow, nil
	}

	result := graph.Validate(flow, flow.Nodes)
	if !result.Valid {
		return nil, &ErrNotPublishable{FlowID: id, Errors: result.Errors}
	}

	flow.Status = models.FlowStatusActive
	if err := s.store.UpdateFlow(ctx, flow); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		log.Warn().Str("flow", id).Msg(w)
	}
	log.Info().Str("flow", id).Str("name", flow.Name).Msg("Flow published")
	return s.store.GetFlow(ctx, tenant, id)
}

// Deactivate moves an active flow to inactive. Deactivating a draft is an
// invalid transition.
func (s *Service) Deactivate(ctx context.Context, tenant, id string) (*models.BotFlow, error) {
	flow, err := s.store.GetFlow(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	switch flow.Status {
	case models.FlowStatusInactive:
		return flow, nil
	case models.FlowStatusActive:
	default:
		return nil, &ErrInvalidTransition{From: flow.Status, To: models.FlowStatusInactive}
	}

	flow.Status = models.FlowStatusInactive
	if err := s.store.UpdateFlow(ctx, flow); err != nil {
		return nil, err
	}
	log.Info().Str("flow", id).Str("name", flow.Name).Msg("Flow deactivated")
	return s.store.GetFlow(ctx, tenant, id)
}

// SetStatus routes a requested status through the state machine: "active"
// publishes (validation gate included), "inactive" deactivates, anything
// else is rejected unless it is a no-op.
func (s *Service) SetStatus(ctx context.Context, tenant, id string, status models.FlowStatus) (*models.BotFlow, error) {
	switch status {
	case models.FlowStatusActive:
		return s.Publish(ctx, tenant, id)
	case models.FlowStatusInactive:
		return s.Deactivate(ctx, tenant, id)
	case models.FlowStatusDraft:
		flow, err := s.store.GetFlow(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		if flow.Status != models.FlowStatusDraft {
			return nil, &ErrInvalidTransition{From: flow.Status, To: models.FlowStatusDraft}
		}
		return flow, nil
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
}

// Duplicate deep-copies a flow under a fresh name. The copy always starts
// in draft regardless of the source's status. Names get a " (copy)" suffix,
// with a counter when that is taken too.
func (s *Service) Duplicate(ctx context.Context, tenant, id string) (*models.BotFlow, error) {
	src, err := s.store.GetFlow(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	name := src.Name + " (copy)"
	for attempt := 2; ; attempt++ {
		dup, err := s.store.DuplicateFlow(ctx, tenant, id, name)
		var dupErr *store.ErrDuplicateName
		if errors.As(err, &dupErr) {
			name = fmt.Sprintf("%s (copy %d)", src.Name, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info().Str("source", id).Str("copy", dup.ID).Msg("Flow duplicated")
		return dup, nil
	}
}
