// Package graph turns a set of loosely-linked nodes into a provably
// consistent conversation graph: full validation before publication,
// batch relinking of transition targets, and reference remapping for
// flow duplication.
package graph

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/waflow/control-plane/internal/registry"
	"github.com/waflow/control-plane/pkg/models"
)

// Validate runs the full consistency pass over a flow and its nodes.
//
// Errors (block publication): dangling transition targets, missing or
// dangling start node, per-type config violations. Cycles are legal and
// never flagged. Nodes unreachable from the start node are reported as
// warnings only: alternate entry points used by sub-flows are valid graphs.
func Validate(flow *models.BotFlow, nodes []models.BotNode) models.ValidationResult {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}

	var errs []string
	for _, n := range nodes {
		for _, ref := range registry.TransitionTargets(n) {
			if !ids[ref.Target] {
				errs = append(errs, fmt.Sprintf("node %s references unknown target %s (%s)", n.ID, ref.Target, ref.Field))
			}
		}
		for _, msg := range registry.ValidateConfig(flow.Variables, n.Type, n.Config) {
			errs = append(errs, fmt.Sprintf("node %s: %s", n.ID, msg))
		}
	}

	if flow.StartNodeID == "" {
		errs = append(errs, "no start node defined")
	} else if !ids[flow.StartNodeID] {
		errs = append(errs, fmt.Sprintf("start node %s does not exist in flow", flow.StartNodeID))
	}

	var warnings []string
	if flow.StartNodeID != "" && ids[flow.StartNodeID] {
		for _, id := range unreachable(flow.StartNodeID, nodes) {
			warnings = append(warnings, fmt.Sprintf("node %s is not reachable from the start node", id))
		}
	}

	return models.ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

// unreachable returns the IDs of nodes with no path from start, via BFS
// over every kind of transition edge.
func unreachable(start string, nodes []models.BotNode) []string {
	byID := make(map[string]models.BotNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := byID[id]
		if !ok {
			continue
		}
		for _, ref := range registry.TransitionTargets(n) {
			if !seen[ref.Target] {
				seen[ref.Target] = true
				queue = append(queue, ref.Target)
			}
		}
	}

	var missed []string
	for _, n := range nodes {
		if !seen[n.ID] {
			missed = append(missed, n.ID)
		}
	}
	return missed
}

// RemapReferences rewrites every transition reference in the node through
// the old-ID → new-ID mapping. References to IDs outside the mapping are
// left untouched (they will surface as dangling at validation time).
// Used by flow duplication, which first allocates fresh IDs for all nodes
// and then rewrites references in a second pass.
func RemapReferences(n *models.BotNode, mapping map[string]string) {
	if id, ok := mapping[n.NextNodeID]; ok {
		n.NextNodeID = id
	}
	for i := range n.Config.Conditions {
		if id, ok := mapping[n.Config.Conditions[i].NextNodeID]; ok {
			n.Config.Conditions[i].NextNodeID = id
		}
	}
	if id, ok := mapping[n.Config.ElseNodeID]; ok {
		n.Config.ElseNodeID = id
	}
	for i := range n.Config.Options {
		if id, ok := mapping[n.Config.Options[i].NextNodeID]; ok {
			n.Config.Options[i].NextNodeID = id
		}
	}
}

// relinkField addresses indexed transition fields: conditions[2].nextNodeId
// and options[0].nextNodeId.
var relinkField = regexp.MustCompile(`^(conditions|options)\[(\d+)\]\.nextNodeId$`)

// ApplyRelink rewrites a single transition field on the node. It does not
// check target existence; callers validate targets against the flow's node
// set before committing a batch.
func ApplyRelink(n *models.BotNode, field, target string) error {
	switch field {
	case "nextNodeId":
		n.NextNodeID = target
		return nil
	case "elseNodeId":
		n.Config.ElseNodeID = target
		return nil
	}

	m := relinkField.FindStringSubmatch(field)
	if m == nil {
		return fmt.Errorf("unknown relink field %q", field)
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return fmt.Errorf("bad index in relink field %q", field)
	}
	switch m[1] {
	case "conditions":
		if idx >= len(n.Config.Conditions) {
			return fmt.Errorf("relink field %q out of range (%d conditions)", field, len(n.Config.Conditions))
		}
		n.Config.Conditions[idx].NextNodeID = target
	case "options":
		if idx >= len(n.Config.Options) {
			return fmt.Errorf("relink field %q out of range (%d options)", field, len(n.Config.Options))
		}
		n.Config.Options[idx].NextNodeID = target
	}
	return nil
}
