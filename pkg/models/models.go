// Package models defines the core entities of the bot flow control plane:
// flows, nodes, node configurations, and validation results.
//
// A BotFlow is a directed graph of typed BotNodes. Nodes reference each
// other by ID (nextNodeId, conditional branch targets); the graph is kept
// flat (nodes in a map/slice keyed by ID) rather than as pointer structures
// so it survives JSON serialization and partial loading unchanged.
package models

import "time"

// ── Flow ─────────────────────────────────────────────────────

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"
	FlowStatusActive   FlowStatus = "active"
	FlowStatusInactive FlowStatus = "inactive"
)

// Valid reports whether s is one of the known lifecycle states.
func (s FlowStatus) Valid() bool {
	switch s {
	case FlowStatusDraft, FlowStatusActive, FlowStatusInactive:
		return true
	}
	return false
}

// Variable declares a typed conversation-state slot the flow reads/writes.
type Variable struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"` // string | number | boolean
	DefaultValue interface{} `json:"defaultValue,omitempty"`
}

// FlowSettings holds flow-wide runtime options.
type FlowSettings struct {
	// MaxInactivityTime is the number of minutes of debtor silence before
	// the conversation times out.
	MaxInactivityTime int `json:"maxInactivityTime,omitempty"`

	// TransferToAgentOnError hands the conversation to a human agent when
	// the runtime hits an unrecoverable error.
	TransferToAgentOnError bool `json:"transferToAgentOnError,omitempty"`

	// FallbackMessage is shown when the debtor's input is not recognized.
	FallbackMessage string `json:"fallbackMessage,omitempty"`
}

// BotFlow is a named conversation blueprint owned by a tenant.
// Deleting a flow deletes all of its nodes.
type BotFlow struct {
	ID          string              `json:"id"`
	Tenant      string              `json:"tenant"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Status      FlowStatus          `json:"status"`
	StartNodeID string              `json:"startNodeId,omitempty"`
	Variables   map[string]Variable `json:"variables,omitempty"`
	Settings    FlowSettings        `json:"settings"`

	// Nodes is populated on single-flow reads; list endpoints omit it.
	Nodes []BotNode `json:"nodes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

// ── Node ─────────────────────────────────────────────────────

// NodeType is the closed set of node kinds.
type NodeType string

const (
	NodeMessage       NodeType = "message"
	NodeMenu          NodeType = "menu"
	NodeInput         NodeType = "input"
	NodeCondition     NodeType = "condition"
	NodeAPICall       NodeType = "api_call"
	NodeTransferAgent NodeType = "transfer_agent"
	NodeEnd           NodeType = "end"
)

// NodeTypes lists every known node kind.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeMessage, NodeMenu, NodeInput, NodeCondition,
		NodeAPICall, NodeTransferAgent, NodeEnd,
	}
}

// Valid reports whether t is a known node kind.
func (t NodeType) Valid() bool {
	for _, k := range NodeTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// Terminal reports whether nodes of this kind never carry outgoing edges.
func (t NodeType) Terminal() bool {
	return t == NodeTransferAgent || t == NodeEnd
}

// BotNode is one step in a conversation graph.
type BotNode struct {
	ID     string   `json:"id"`
	FlowID string   `json:"flowId"`
	Name   string   `json:"name"`
	Type   NodeType `json:"type"`

	Config NodeConfig `json:"config"`

	// NextNodeID is the default/unconditional successor. Absent on terminal
	// nodes and on condition nodes that fully branch via Config.Conditions.
	NextNodeID string `json:"nextNodeId,omitempty"`

	// Canvas coordinates for the visual editor. Never affect semantics.
	PositionX int `json:"positionX"`
	PositionY int `json:"positionY"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ── Node configuration ───────────────────────────────────────

// Button is a WhatsApp interactive button attached to a message node.
type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// MenuOption is one choice of a menu node. NextNodeID, when set, routes the
// matching reply; otherwise the node's NextNodeID is the fallback.
type MenuOption struct {
	Label      string `json:"label"`
	Value      string `json:"value"`
	NextNodeID string `json:"nextNodeId,omitempty"`
}

// InputValidation constrains the debtor's reply to an input node. A failed
// validation re-prompts at runtime; it is not a graph edge.
type InputValidation struct {
	Required     bool   `json:"required,omitempty"`
	MinLength    int    `json:"minLength,omitempty"`
	MaxLength    int    `json:"maxLength,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Operator compares a flow variable against a literal in a condition branch.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists:
		return true
	}
	return false
}

// Condition is one branch of a condition node: when Variable compares true
// against Value under Operator, control moves to NextNodeID.
type Condition struct {
	Variable   string   `json:"variable"`
	Operator   Operator `json:"operator"`
	Value      string   `json:"value,omitempty"`
	NextNodeID string   `json:"nextNodeId"`
}

// NodeConfig is the per-type configuration of a node. The populated field
// group is discriminated by BotNode.Type; the registry package enforces
// which fields each kind requires.
type NodeConfig struct {
	// message, input, transfer_agent
	Message string `json:"message,omitempty"`

	// message (WhatsApp interactive buttons, max 3)
	UseButtons  bool     `json:"useButtons,omitempty"`
	ButtonTitle string   `json:"buttonTitle,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`

	// menu
	Options []MenuOption `json:"options,omitempty"`

	// input
	InputType    string           `json:"inputType,omitempty"` // text | number | date | email | phone
	VariableName string           `json:"variableName,omitempty"`
	Validation   *InputValidation `json:"validation,omitempty"`

	// condition — either a branch list over Variable, or a raw Expression
	// evaluated against the conversation state.
	Variable   string      `json:"variable,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	ElseNodeID string      `json:"elseNodeId,omitempty"`
	Expression string      `json:"expression,omitempty"`

	// api_call — opaque to validation beyond shape checks; executed by the
	// runtime collaborator.
	Endpoint       string            `json:"endpoint,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ResultVariable string            `json:"resultVariable,omitempty"`

	// transfer_agent
	TransferReason string `json:"transferReason,omitempty"`
}

// ── Validation ───────────────────────────────────────────────

// ValidationResult is the outcome of a full graph validation pass.
// Errors block publication; warnings do not.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

// RelinkEdit is one transition-target rewrite in a relink batch.
// Field addresses the transition to rewrite: "nextNodeId", "elseNodeId",
// "conditions[i].nextNodeId" or "options[i].nextNodeId". An empty
// TargetNodeID clears the transition.
type RelinkEdit struct {
	NodeID       string `json:"nodeId"`
	Field        string `json:"field"`
	TargetNodeID string `json:"targetNodeId"`
}
