package seed

import (
	"context"
	_ "embed"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
)

// ngsoYAML is the built-in NGSO collections flow: greeting, authorization
// check, document capture, debtor lookup and branch, then hand-off to a
// human agent; rejected authorizations end the conversation.
//
//go:embed ngso.yaml
var ngsoYAML []byte

// NGSO returns the built-in NGSO collections flow definition.
func NGSO() (*Definition, error) {
	return Parse(ngsoYAML)
}

// ApplyNGSO seeds the NGSO collections flow for the tenant. Seeding is
// idempotent: when a flow with the same name already exists it is returned
// untouched.
func ApplyNGSO(ctx context.Context, st store.Store, tenant string) (*models.BotFlow, error) {
	def, err := NGSO()
	if err != nil {
		return nil, err
	}

	flow, err := Apply(ctx, st, tenant, def)
	var dup *store.ErrDuplicateName
	if errors.As(err, &dup) {
		log.Info().Str("name", def.Name).Str("tenant", tenant).Msg("NGSO flow already seeded")
		return findByName(ctx, st, tenant, def.Name)
	}
	return flow, err
}

func findByName(ctx context.Context, st store.Store, tenant, name string) (*models.BotFlow, error) {
	list, _, err := st.ListFlows(ctx, tenant, store.ListFilter{Limit: 100})
	if err != nil {
		return nil, err
	}
	for _, f := range list {
		if f.Name == name {
			return st.GetFlow(ctx, tenant, f.ID)
		}
	}
	return nil, &store.ErrNotFound{Entity: "flow", Key: name}
}
