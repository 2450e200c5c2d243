// Package store — PostgreSQL Store implementation on pgx.
//
// Structural mutations (bulk create, relink, duplicate) run inside one
// transaction holding a row lock on the owning flow, which serializes
// concurrent editors of the same flow while leaving other flows untouched.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/graph"
	"github.com/waflow/control-plane/pkg/models"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and prepares the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS bot_flows (
			id            TEXT NOT NULL,
			tenant        TEXT NOT NULL,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'draft',
			start_node_id TEXT NOT NULL DEFAULT '',
			variables     JSONB NOT NULL DEFAULT '{}',
			settings      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_by    TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant, id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_flows_tenant_name ON bot_flows (tenant, name);
		CREATE INDEX IF NOT EXISTS idx_bot_flows_status ON bot_flows (tenant, status);

		CREATE TABLE IF NOT EXISTS bot_nodes (
			id           TEXT NOT NULL,
			tenant       TEXT NOT NULL,
			flow_id      TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			type         TEXT NOT NULL,
			config       JSONB NOT NULL DEFAULT '{}',
			next_node_id TEXT NOT NULL DEFAULT '',
			position_x   INT NOT NULL DEFAULT 0,
			position_y   INT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, flow_id, id),
			FOREIGN KEY (tenant, flow_id) REFERENCES bot_flows (tenant, id) ON DELETE CASCADE
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Flow Store ──────────────────────────────────────────────

const flowColumns = `id, tenant, name, description, status, start_node_id, variables, settings, created_at, updated_at, created_by`

func scanFlow(row pgx.Row) (*models.BotFlow, error) {
	var f models.BotFlow
	err := row.Scan(&f.ID, &f.Tenant, &f.Name, &f.Description, &f.Status, &f.StartNodeID,
		&f.Variables, &f.Settings, &f.CreatedAt, &f.UpdatedAt, &f.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) CreateFlow(ctx context.Context, flow *models.BotFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	if flow.Status == "" {
		flow.Status = models.FlowStatusDraft
	}
	flow.StartNodeID = ""
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	if taken, err := s.nameTaken(ctx, s.pool, flow.Tenant, flow.Name, ""); err != nil {
		return err
	} else if taken {
		return &ErrDuplicateName{Tenant: flow.Tenant, Name: flow.Name}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_flows (`+flowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		flow.ID, flow.Tenant, flow.Name, flow.Description, flow.Status, flow.StartNodeID,
		flow.Variables, flow.Settings, flow.CreatedAt, flow.UpdatedAt, flow.CreatedBy)
	return err
}

func (s *PostgresStore) GetFlow(ctx context.Context, tenant, id string) (*models.BotFlow, error) {
	f, err := scanFlow(s.pool.QueryRow(ctx,
		`SELECT `+flowColumns+` FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "flow", Key: id}
	}
	if err != nil {
		return nil, err
	}

	nodes, err := s.ListNodes(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	f.Nodes = nodes
	return f, nil
}

func (s *PostgresStore) ListFlows(ctx context.Context, tenant string, filter ListFilter) ([]models.BotFlow, int, error) {
	filter = filter.Normalize()

	where := `WHERE tenant = $1`
	args := []interface{}{tenant}
	if filter.Status != "" {
		where += ` AND status = $2`
		args = append(args, filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bot_flows `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+flowColumns+` FROM bot_flows %s
		ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	flows := []models.BotFlow{}
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, 0, err
		}
		flows = append(flows, *f)
	}
	return flows, total, rows.Err()
}

func (s *PostgresStore) UpdateFlow(ctx context.Context, flow *models.BotFlow) error {
	return s.inFlowTx(ctx, flow.Tenant, flow.ID, func(tx pgx.Tx) error {
		if taken, err := s.nameTaken(ctx, tx, flow.Tenant, flow.Name, flow.ID); err != nil {
			return err
		} else if taken {
			return &ErrDuplicateName{Tenant: flow.Tenant, Name: flow.Name}
		}
		if flow.StartNodeID != "" {
			exists, err := s.nodeExists(ctx, tx, flow.Tenant, flow.ID, flow.StartNodeID)
			if err != nil {
				return err
			}
			if !exists {
				return &ErrDanglingReference{Field: "startNodeId", Target: flow.StartNodeID}
			}
		}
		_, err := tx.Exec(ctx, `
			UPDATE bot_flows SET name = $3, description = $4, status = $5, start_node_id = $6,
				variables = $7, settings = $8, updated_at = $9
			WHERE tenant = $1 AND id = $2`,
			flow.Tenant, flow.ID, flow.Name, flow.Description, flow.Status, flow.StartNodeID,
			flow.Variables, flow.Settings, time.Now().UTC())
		return err
	})
}

func (s *PostgresStore) DeleteFlow(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "flow", Key: id}
	}
	// Nodes cascade via the foreign key.
	return nil
}

func (s *PostgresStore) DuplicateFlow(ctx context.Context, tenant, id, newName string) (*models.BotFlow, error) {
	var dup *models.BotFlow
	err := s.inFlowTx(ctx, tenant, id, func(tx pgx.Tx) error {
		src, err := scanFlow(tx.QueryRow(ctx,
			`SELECT `+flowColumns+` FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, id))
		if err != nil {
			return err
		}
		if taken, err := s.nameTaken(ctx, tx, tenant, newName, ""); err != nil {
			return err
		} else if taken {
			return &ErrDuplicateName{Tenant: tenant, Name: newName}
		}
		nodes, err := s.listNodesTx(ctx, tx, tenant, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		dup = src
		dup.ID = uuid.NewString()
		dup.Name = newName
		dup.Status = models.FlowStatusDraft
		dup.CreatedAt = now
		dup.UpdatedAt = now

		// Pass 1: fresh IDs. Pass 2: rewrite references through the map.
		mapping := make(map[string]string, len(nodes))
		for i := range nodes {
			newID := uuid.NewString()
			mapping[nodes[i].ID] = newID
			nodes[i].ID = newID
			nodes[i].FlowID = dup.ID
			nodes[i].CreatedAt = now
			nodes[i].UpdatedAt = now
		}
		for i := range nodes {
			graph.RemapReferences(&nodes[i], mapping)
		}
		if newStart, ok := mapping[dup.StartNodeID]; ok {
			dup.StartNodeID = newStart
		} else {
			dup.StartNodeID = ""
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bot_flows (`+flowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			dup.ID, dup.Tenant, dup.Name, dup.Description, dup.Status, dup.StartNodeID,
			dup.Variables, dup.Settings, dup.CreatedAt, dup.UpdatedAt, dup.CreatedBy)
		if err != nil {
			return err
		}
		for i := range nodes {
			if err := insertNodeTx(ctx, tx, tenant, &nodes[i]); err != nil {
				return err
			}
		}
		dup.Nodes = nodes
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "flow", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return dup, nil
}

// ── Node Store ──────────────────────────────────────────────

const nodeColumns = `id, flow_id, name, type, config, next_node_id, position_x, position_y, created_at, updated_at`

func scanNode(row pgx.Row) (*models.BotNode, error) {
	var n models.BotNode
	err := row.Scan(&n.ID, &n.FlowID, &n.Name, &n.Type, &n.Config, &n.NextNodeID,
		&n.PositionX, &n.PositionY, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func insertNodeTx(ctx context.Context, tx pgx.Tx, tenant string, n *models.BotNode) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bot_nodes (tenant, `+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tenant, n.ID, n.FlowID, n.Name, n.Type, n.Config, n.NextNodeID,
		n.PositionX, n.PositionY, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *PostgresStore) CreateNode(ctx context.Context, tenant string, node *models.BotNode) error {
	return s.inFlowTx(ctx, tenant, node.FlowID, func(tx pgx.Tx) error {
		flow, err := scanFlow(tx.QueryRow(ctx,
			`SELECT `+flowColumns+` FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, node.FlowID))
		if err != nil {
			return err
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
		return insertNodeTx(ctx, tx, tenant, node)
	})
}

func (s *PostgresStore) CreateNodesBulk(ctx context.Context, tenant, flowID string, nodes []*models.BotNode) error {
	return s.inFlowTx(ctx, tenant, flowID, func(tx pgx.Tx) error {
		flow, err := scanFlow(tx.QueryRow(ctx,
			`SELECT `+flowColumns+` FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, flowID))
		if err != nil {
			return err
		}

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
			if err := insertNodeTx(ctx, tx, tenant, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetNode(ctx context.Context, tenant, flowID, nodeID string) (*models.BotNode, error) {
	n, err := scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM bot_nodes WHERE tenant = $1 AND flow_id = $2 AND id = $3`,
		tenant, flowID, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "node", Key: nodeID}
	}
	return n, err
}

func (s *PostgresStore) ListNodes(ctx context.Context, tenant, flowID string) ([]models.BotNode, error) {
	return s.listNodesTx(ctx, s.pool, tenant, flowID)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (s *PostgresStore) listNodesTx(ctx context.Context, q querier, tenant, flowID string) ([]models.BotNode, error) {
	rows, err := q.Query(ctx, `
		SELECT `+nodeColumns+` FROM bot_nodes
		WHERE tenant = $1 AND flow_id = $2
		ORDER BY created_at, id`, tenant, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []models.BotNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, tenant string, node *models.BotNode) error {
	return s.inFlowTx(ctx, tenant, node.FlowID, func(tx pgx.Tx) error {
		flow, err := scanFlow(tx.QueryRow(ctx,
			`SELECT `+flowColumns+` FROM bot_flows WHERE tenant = $1 AND id = $2`, tenant, node.FlowID))
		if err != nil {
			return err
		}
		if errs := validateNode(flow, node); len(errs) > 0 {
			return &ErrInvalidNodeConfig{Errors: errs}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE bot_nodes SET name = $4, type = $5, config = $6, next_node_id = $7,
				position_x = $8, position_y = $9, updated_at = $10
			WHERE tenant = $1 AND flow_id = $2 AND id = $3`,
			tenant, node.FlowID, node.ID, node.Name, node.Type, node.Config, node.NextNodeID,
			node.PositionX, node.PositionY, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "node", Key: node.ID}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteNode(ctx context.Context, tenant, flowID, nodeID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bot_nodes WHERE tenant = $1 AND flow_id = $2 AND id = $3`,
		tenant, flowID, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "node", Key: nodeID}
	}
	return nil
}

func (s *PostgresStore) RelinkNodes(ctx context.Context, tenant, flowID string, edits []models.RelinkEdit) error {
	return s.inFlowTx(ctx, tenant, flowID, func(tx pgx.Tx) error {
		nodes, err := s.listNodesTx(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}
		byID := make(map[string]*models.BotNode, len(nodes))
		for i := range nodes {
			byID[nodes[i].ID] = &nodes[i]
		}

		touched := map[string]bool{}
		for _, e := range edits {
			n, ok := byID[e.NodeID]
			if !ok {
				return &ErrNotFound{Entity: "node", Key: e.NodeID}
			}
			if e.TargetNodeID != "" {
				if _, ok := byID[e.TargetNodeID]; !ok {
					return &ErrDanglingReference{NodeID: e.NodeID, Field: e.Field, Target: e.TargetNodeID}
				}
			}
			if err := graph.ApplyRelink(n, e.Field, e.TargetNodeID); err != nil {
				return err
			}
			touched[e.NodeID] = true
		}

		now := time.Now().UTC()
		for id := range touched {
			n := byID[id]
			_, err := tx.Exec(ctx, `
				UPDATE bot_nodes SET config = $4, next_node_id = $5, updated_at = $6
				WHERE tenant = $1 AND flow_id = $2 AND id = $3`,
				tenant, flowID, id, n.Config, n.NextNodeID, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ── helpers ─────────────────────────────────────────────────

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// inFlowTx runs fn inside a transaction holding a row lock on the flow,
// serializing structural mutations per flow.
func (s *PostgresStore) inFlowTx(ctx context.Context, tenant, flowID string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM bot_flows WHERE tenant = $1 AND id = $2 FOR UPDATE`,
		tenant, flowID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "flow", Key: flowID}
	}
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) nameTaken(ctx context.Context, q rowQuerier, tenant, name, exceptID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bot_flows WHERE tenant = $1 AND name = $2 AND id <> $3)`,
		tenant, name, exceptID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) nodeExists(ctx context.Context, q rowQuerier, tenant, flowID, nodeID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bot_nodes WHERE tenant = $1 AND flow_id = $2 AND id = $3)`,
		tenant, flowID, nodeID).Scan(&exists)
	return exists, err
}
