// Package seed loads flow definition files (YAML) and materializes them in
// the store. Definitions reference nodes by symbolic key; the loader
// allocates real node IDs and resolves every reference, the same remap
// discipline flow duplication uses.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

// Definition is the YAML shape of a flow definition file.
type Definition struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Variables   map[string]VariableDef `yaml:"variables"`
	Settings    SettingsDef            `yaml:"settings"`
	StartNode   string                 `yaml:"startNode"`
	Nodes       []NodeDef              `yaml:"nodes"`
}

type VariableDef struct {
	Type    string      `yaml:"type"`
	Default interface{} `yaml:"default"`
}

type SettingsDef struct {
	MaxInactivityTime      int    `yaml:"maxInactivityTime"`
	TransferToAgentOnError bool   `yaml:"transferToAgentOnError"`
	FallbackMessage        string `yaml:"fallbackMessage"`
}

// NodeDef is one node in a definition file. Config holds the node's
// type-specific configuration with symbolic transition keys: "next" at the
// top level, "next" inside conditions/options entries, and "else" for the
// condition fallback.
type NodeDef struct {
	Key      string                 `yaml:"key"`
	Name     string                 `yaml:"name"`
	Type     string                 `yaml:"type"`
	Config   map[string]interface{} `yaml:"config"`
	Next     string                 `yaml:"next"`
	Position []int                  `yaml:"position"`
}

// Parse reads a definition from YAML bytes.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow definition: %w", err)
	}
	if def.Name == "" {
		return nil, errors.New("flow definition requires a name")
	}
	if len(def.Nodes) == 0 {
		return nil, errors.New("flow definition requires at least one node")
	}
	return &def, nil
}

// Build materializes the definition into a flow and its nodes with fresh
// IDs and every symbolic reference resolved. It does not touch the store.
func (d *Definition) Build(tenant string) (*models.BotFlow, []*models.BotNode, error) {
	ids := make(map[string]string, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.Key == "" {
			return nil, nil, errors.New("every node requires a key")
		}
		if _, dup := ids[n.Key]; dup {
			return nil, nil, fmt.Errorf("duplicate node key %q", n.Key)
		}
		ids[n.Key] = uuid.NewString()
	}

	resolve := func(nodeKey, ref string) (string, error) {
		if ref == "" {
			return "", nil
		}
		id, ok := ids[ref]
		if !ok {
			return "", fmt.Errorf("node %q: unknown target %q", nodeKey, ref)
		}
		return id, nil
	}

	variables := make(map[string]models.Variable, len(d.Variables))
	for name, v := range d.Variables {
		variables[name] = models.Variable{Name: name, Type: v.Type, DefaultValue: v.Default}
	}

	flow := &models.BotFlow{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Name:        d.Name,
		Description: d.Description,
		Status:      models.FlowStatusDraft,
		Variables:   variables,
		Settings: models.FlowSettings{
			MaxInactivityTime:      d.Settings.MaxInactivityTime,
			TransferToAgentOnError: d.Settings.TransferToAgentOnError,
			FallbackMessage:        d.Settings.FallbackMessage,
		},
	}

	startID, err := resolve("startNode", d.StartNode)
	if err != nil {
		return nil, nil, err
	}
	flow.StartNodeID = startID

	nodes := make([]*models.BotNode, 0, len(d.Nodes))
	for _, nd := range d.Nodes {
		cfg, err := resolveConfig(nd, resolve)
		if err != nil {
			return nil, nil, err
		}
		next, err := resolve(nd.Key, nd.Next)
		if err != nil {
			return nil, nil, err
		}

		node := &models.BotNode{
			ID:         ids[nd.Key],
			FlowID:     flow.ID,
			Name:       nd.Name,
			Type:       models.NodeType(nd.Type),
			Config:     cfg,
			NextNodeID: next,
		}
		if len(nd.Position) == 2 {
			node.PositionX = nd.Position[0]
			node.PositionY = nd.Position[1]
		}
		nodes = append(nodes, node)
	}
	return flow, nodes, nil
}

// resolveConfig rewrites symbolic transition keys inside the raw config map
// ("next", "else") into resolved node IDs, then decodes the map into the
// typed NodeConfig via its JSON shape.
func resolveConfig(nd NodeDef, resolve func(nodeKey, ref string) (string, error)) (models.NodeConfig, error) {
	var cfg models.NodeConfig
	if nd.Config == nil {
		return cfg, nil
	}

	raw := make(map[string]interface{}, len(nd.Config))
	for k, v := range nd.Config {
		raw[k] = v
	}

	if ref, ok := raw["else"].(string); ok {
		id, err := resolve(nd.Key, ref)
		if err != nil {
			return cfg, err
		}
		delete(raw, "else")
		raw["elseNodeId"] = id
	}
	for _, listKey := range []string{"conditions", "options"} {
		entries, ok := raw[listKey].([]interface{})
		if !ok {
			continue
		}
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if ref, ok := entry["next"].(string); ok {
				id, err := resolve(nd.Key, ref)
				if err != nil {
					return cfg, err
				}
				delete(entry, "next")
				entry["nextNodeId"] = id
			}
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("node %q: encode config: %w", nd.Key, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decode config: %w", nd.Key, err)
	}
	return cfg, nil
}

// Apply creates the definition's flow and nodes in the store. The flow is
// left in draft with its start node set; publication is the caller's call.
func Apply(ctx context.Context, st store.Store, tenant string, def *Definition) (*models.BotFlow, error) {
	flow, nodes, err := def.Build(tenant)
	if err != nil {
		return nil, err
	}

	startID := flow.StartNodeID
	if err := st.CreateFlow(ctx, flow); err != nil {
		return nil, err
	}
	if err := st.CreateNodesBulk(ctx, tenant, flow.ID, nodes); err != nil {
		// Leave no half-built flow behind.
		_ = st.DeleteFlow(ctx, tenant, flow.ID)
		return nil, err
	}
	if startID != "" {
		flow.StartNodeID = startID
		if err := st.UpdateFlow(ctx, flow); err != nil {
			_ = st.DeleteFlow(ctx, tenant, flow.ID)
			return nil, err
		}
	}

	log.Info().Str("flow", flow.ID).Str("name", flow.Name).Int("nodes", len(nodes)).Msg("Flow seeded")
	return st.GetFlow(ctx, tenant, flow.ID)
}
