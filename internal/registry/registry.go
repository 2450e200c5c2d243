// Package registry describes the closed set of node kinds and the
// configuration contract each one requires. It is consumed by the graph
// validator and by the store's write-time checks.
package registry

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"

	"github.com/waflow/control-plane/pkg/models"
)

// maxButtons is the WhatsApp interactive-button limit per message.
const maxButtons = 3

var knownInputTypes = map[string]bool{
	"text":   true,
	"number": true,
	"date":   true,
	"email":  true,
	"phone":  true,
}

// TargetRef is one outgoing transition reference carried by a node, paired
// with the config field it came from (for error messages).
type TargetRef struct {
	Field  string
	Target string
}

// ValidateConfig answers "is this config minimally well-formed for this
// type?". It returns one message per violation; an empty slice means the
// config is acceptable. vars are the owning flow's declared variables, used
// to check input-node bindings.
func ValidateConfig(vars map[string]models.Variable, typ models.NodeType, cfg models.NodeConfig) []string {
	var errs []string

	if !typ.Valid() {
		return []string{fmt.Sprintf("unknown node type %q", typ)}
	}

	switch typ {
	case models.NodeMessage:
		if cfg.Message == "" {
			errs = append(errs, "message node requires config.message")
		}
		if cfg.UseButtons {
			if len(cfg.Buttons) == 0 {
				errs = append(errs, "message node with useButtons requires at least one button")
			}
			if len(cfg.Buttons) > maxButtons {
				errs = append(errs, fmt.Sprintf("message node allows at most %d buttons, got %d", maxButtons, len(cfg.Buttons)))
			}
			for i, b := range cfg.Buttons {
				if b.ID == "" || b.Text == "" {
					errs = append(errs, fmt.Sprintf("button %d requires id and text", i))
				}
			}
		}

	case models.NodeMenu:
		if len(cfg.Options) == 0 {
			errs = append(errs, "menu node requires at least one option")
		}
		for i, opt := range cfg.Options {
			if opt.Label == "" || opt.Value == "" {
				errs = append(errs, fmt.Sprintf("menu option %d requires label and value", i))
			}
		}

	case models.NodeInput:
		if cfg.Message == "" {
			errs = append(errs, "input node requires config.message")
		}
		if cfg.VariableName == "" {
			errs = append(errs, "input node requires config.variableName")
		} else if _, ok := vars[cfg.VariableName]; !ok {
			errs = append(errs, fmt.Sprintf("input node binds undeclared variable %q", cfg.VariableName))
		}
		if cfg.InputType != "" && !knownInputTypes[cfg.InputType] {
			errs = append(errs, fmt.Sprintf("unknown inputType %q", cfg.InputType))
		}
		if cfg.Validation != nil && cfg.Validation.Pattern != "" {
			if _, err := regexp.Compile(cfg.Validation.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("invalid validation pattern: %v", err))
			}
		}

	case models.NodeCondition:
		if len(cfg.Conditions) == 0 && cfg.Expression == "" {
			errs = append(errs, "condition node requires config.conditions or config.expression")
		}
		for i, c := range cfg.Conditions {
			if c.Variable == "" {
				errs = append(errs, fmt.Sprintf("condition %d requires a variable", i))
			}
			if !c.Operator.Valid() {
				errs = append(errs, fmt.Sprintf("condition %d has unknown operator %q", i, c.Operator))
			}
			if c.Operator != models.OpExists && c.Value == "" {
				errs = append(errs, fmt.Sprintf("condition %d with operator %q requires a value", i, c.Operator))
			}
			if c.NextNodeID == "" {
				errs = append(errs, fmt.Sprintf("condition %d requires a nextNodeId", i))
			}
		}
		if cfg.Expression != "" {
			// The expression is evaluated by the runtime against the
			// conversation state; here we only require that it compiles.
			if _, err := expr.Compile(cfg.Expression, expr.AllowUndefinedVariables()); err != nil {
				errs = append(errs, fmt.Sprintf("condition expression does not compile: %v", err))
			}
		}

	case models.NodeAPICall:
		if cfg.Endpoint == "" {
			errs = append(errs, "api_call node requires config.endpoint")
		}
		if cfg.Method == "" {
			errs = append(errs, "api_call node requires config.method")
		}

	case models.NodeTransferAgent:
		if cfg.Message == "" {
			errs = append(errs, "transfer_agent node requires config.message")
		}
		if cfg.TransferReason == "" {
			errs = append(errs, "transfer_agent node requires config.transferReason")
		}

	case models.NodeEnd:
		// No required config.
	}

	return errs
}

// TransitionTargets returns every outgoing reference the node carries:
// nextNodeId, conditional branch targets, elseNodeId, and menu option
// targets. Empty references are skipped.
func TransitionTargets(n models.BotNode) []TargetRef {
	var refs []TargetRef
	if n.NextNodeID != "" {
		refs = append(refs, TargetRef{Field: "nextNodeId", Target: n.NextNodeID})
	}
	for i, c := range n.Config.Conditions {
		if c.NextNodeID != "" {
			refs = append(refs, TargetRef{
				Field:  fmt.Sprintf("conditions[%d].nextNodeId", i),
				Target: c.NextNodeID,
			})
		}
	}
	if n.Config.ElseNodeID != "" {
		refs = append(refs, TargetRef{Field: "elseNodeId", Target: n.Config.ElseNodeID})
	}
	for i, opt := range n.Config.Options {
		if opt.NextNodeID != "" {
			refs = append(refs, TargetRef{
				Field:  fmt.Sprintf("options[%d].nextNodeId", i),
				Target: opt.NextNodeID,
			})
		}
	}
	return refs
}
