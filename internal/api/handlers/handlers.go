// Package handlers implements the HTTP handlers for the bot flow control
// plane. All handlers depend on the Store interface and the lifecycle
// service; responses use the {success, data, timestamp} envelope.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/api/middleware"
	"github.com/waflow/control-plane/internal/flows"
	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Lifecycle *flows.Service
}

// New creates a new Handlers instance.
func New(s store.Store, lc *flows.Service) *Handlers {
	return &Handlers{Store: s, Lifecycle: lc}
}

// ── Flow handlers ────────────────────────────────────────────

func (h *Handlers) ListFlows(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	filter := store.ListFilter{
		Status: models.FlowStatus(r.URL.Query().Get("status")),
		Page:   queryInt(r, "page"),
		Limit:  queryInt(r, "limit"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown status filter "+strconv.Quote(string(filter.Status)), nil)
		return
	}

	flowList, total, err := h.Store.ListFlows(r.Context(), tenant, filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	filter = filter.Normalize()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"flows": flowList,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

type createFlowRequest struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Variables   map[string]models.Variable `json:"variables"`
	Settings    models.FlowSettings        `json:"settings"`
}

func (h *Handlers) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	tenant := middleware.GetTenant(r.Context())
	flow := &models.BotFlow{
		Tenant:      tenant,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.FlowStatusDraft,
		Variables:   req.Variables,
		Settings:    req.Settings,
	}
	if err := h.Store.CreateFlow(r.Context(), flow); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("flow", flow.ID).Str("name", flow.Name).Str("tenant", tenant).Msg("Flow created")
	respondJSON(w, http.StatusCreated, flow)
}

func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flow, err := h.Store.GetFlow(r.Context(), tenant, chi.URLParam(r, "flowId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

type flowPatch struct {
	Name        *string                    `json:"name"`
	Description *string                    `json:"description"`
	StartNodeID *string                    `json:"startNodeId"`
	Status      *models.FlowStatus         `json:"status"`
	Variables   map[string]models.Variable `json:"variables"`
	Settings    *models.FlowSettings       `json:"settings"`
}

// UpdateFlow applies a partial update. Structural fields are written first;
// a status change is then routed through the lifecycle state machine, so
// `PUT {status: "active"}` goes through the same validation gate as
// POST /publish.
func (h *Handlers) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	id := chi.URLParam(r, "flowId")

	flow, err := h.Store.GetFlow(r.Context(), tenant, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var patch flowPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if patch.Name != nil {
		flow.Name = *patch.Name
	}
	if patch.Description != nil {
		flow.Description = *patch.Description
	}
	if patch.StartNodeID != nil {
		flow.StartNodeID = *patch.StartNodeID
	}
	if patch.Variables != nil {
		flow.Variables = patch.Variables
	}
	if patch.Settings != nil {
		flow.Settings = *patch.Settings
	}

	if err := h.Store.UpdateFlow(r.Context(), flow); err != nil {
		respondStoreError(w, err)
		return
	}

	if patch.Status != nil && *patch.Status != flow.Status {
		flow, err = h.Lifecycle.SetStatus(r.Context(), tenant, id, *patch.Status)
		if err != nil {
			respondStoreError(w, err)
			return
		}
	} else {
		flow, err = h.Store.GetFlow(r.Context(), tenant, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, flow)
}

func (h *Handlers) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	id := chi.URLParam(r, "flowId")

	if err := h.Store.DeleteFlow(r.Context(), tenant, id); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("flow", id).Str("tenant", tenant).Msg("Flow deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *Handlers) DuplicateFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	dup, err := h.Lifecycle.Duplicate(r.Context(), tenant, chi.URLParam(r, "flowId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, dup)
}

func (h *Handlers) PublishFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flow, err := h.Lifecycle.Publish(r.Context(), tenant, chi.URLParam(r, "flowId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

func (h *Handlers) ValidateFlow(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	result, err := h.Lifecycle.Validate(r.Context(), tenant, chi.URLParam(r, "flowId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type relinkRequest struct {
	Edits []models.RelinkEdit `json:"edits"`
}

func (h *Handlers) RelinkNodes(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flowID := chi.URLParam(r, "flowId")

	var req relinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if len(req.Edits) == 0 {
		respondError(w, http.StatusBadRequest, "edits is required", nil)
		return
	}

	if err := h.Store.RelinkNodes(r.Context(), tenant, flowID, req.Edits); err != nil {
		respondStoreError(w, err)
		return
	}

	nodes, err := h.Store.ListNodes(r.Context(), tenant, flowID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// ── Node handlers ────────────────────────────────────────────

type nodeRequest struct {
	Name       string            `json:"name"`
	Type       models.NodeType   `json:"type"`
	Config     models.NodeConfig `json:"config"`
	NextNodeID string            `json:"nextNodeId"`
	PositionX  int               `json:"positionX"`
	PositionY  int               `json:"positionY"`
}

func (req nodeRequest) toNode(flowID string) *models.BotNode {
	return &models.BotNode{
		FlowID:     flowID,
		Name:       req.Name,
		Type:       req.Type,
		Config:     req.Config,
		NextNodeID: req.NextNodeID,
		PositionX:  req.PositionX,
		PositionY:  req.PositionY,
	}
}

func (h *Handlers) CreateNode(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flowID := chi.URLParam(r, "flowId")

	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	node := req.toNode(flowID)
	if err := h.Store.CreateNode(r.Context(), tenant, node); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, node)
}

type bulkNodesRequest struct {
	Nodes []nodeRequest `json:"nodes"`
}

func (h *Handlers) CreateNodesBulk(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flowID := chi.URLParam(r, "flowId")

	var req bulkNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if len(req.Nodes) == 0 {
		respondError(w, http.StatusBadRequest, "nodes is required", nil)
		return
	}

	nodes := make([]*models.BotNode, len(req.Nodes))
	for i, nr := range req.Nodes {
		nodes[i] = nr.toNode(flowID)
	}
	if err := h.Store.CreateNodesBulk(r.Context(), tenant, flowID, nodes); err != nil {
		respondStoreError(w, err)
		return
	}

	created := make([]models.BotNode, len(nodes))
	for i, n := range nodes {
		created[i] = *n
	}
	log.Info().Str("flow", flowID).Int("nodes", len(created)).Msg("Bulk nodes created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	nodes, err := h.Store.ListNodes(r.Context(), tenant, chi.URLParam(r, "flowId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	node, err := h.Store.GetNode(r.Context(), tenant, chi.URLParam(r, "flowId"), chi.URLParam(r, "nodeId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

type nodePatch struct {
	Name       *string            `json:"name"`
	Type       *models.NodeType   `json:"type"`
	Config     *models.NodeConfig `json:"config"`
	NextNodeID *string            `json:"nextNodeId"`
	PositionX  *int               `json:"positionX"`
	PositionY  *int               `json:"positionY"`
}

func (h *Handlers) UpdateNode(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flowID := chi.URLParam(r, "flowId")
	nodeID := chi.URLParam(r, "nodeId")

	node, err := h.Store.GetNode(r.Context(), tenant, flowID, nodeID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var patch nodePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if patch.Name != nil {
		node.Name = *patch.Name
	}
	if patch.Type != nil {
		node.Type = *patch.Type
	}
	if patch.Config != nil {
		node.Config = *patch.Config
	}
	if patch.NextNodeID != nil {
		node.NextNodeID = *patch.NextNodeID
	}
	if patch.PositionX != nil {
		node.PositionX = *patch.PositionX
	}
	if patch.PositionY != nil {
		node.PositionY = *patch.PositionY
	}

	if err := h.Store.UpdateNode(r.Context(), tenant, node); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (h *Handlers) DeleteNode(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	flowID := chi.URLParam(r, "flowId")
	nodeID := chi.URLParam(r, "nodeId")

	if err := h.Store.DeleteNode(r.Context(), tenant, flowID, nodeID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": nodeID})
}

// ── Response helpers ─────────────────────────────────────────

// envelope is the wire format for every response. Earlier clients had to
// tolerate double-nested data payloads; this server always emits exactly
// one level.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func respondError(w http.ResponseWriter, status int, message string, errs []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     message,
		Errors:    errs,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondStoreError maps the error taxonomy to HTTP status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	var (
		notFound    *store.ErrNotFound
		dupName     *store.ErrDuplicateName
		badConfig   *store.ErrInvalidNodeConfig
		dangling    *store.ErrDanglingReference
		notPub      *flows.ErrNotPublishable
		badTransist *flows.ErrInvalidTransition
	)
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error(), nil)
	case errors.As(err, &dupName):
		respondError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &badConfig):
		respondError(w, http.StatusUnprocessableEntity, "invalid node config", badConfig.Errors)
	case errors.As(err, &dangling):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.As(err, &notPub):
		respondError(w, http.StatusUnprocessableEntity, "flow is not publishable", notPub.Errors)
	case errors.As(err, &badTransist):
		respondError(w, http.StatusConflict, err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, err.Error(), nil)
	}
}

func queryInt(r *http.Request, name string) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return 0
}
