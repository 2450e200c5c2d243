// flowctl is the operator CLI for the waflow control plane. It seeds and
// validates flow definition files without going through the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waflow/control-plane/internal/config"
	"github.com/waflow/control-plane/internal/flows"
	"github.com/waflow/control-plane/internal/graph"
	"github.com/waflow/control-plane/internal/seed"
	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/pkg/models"
	"github.com/waflow/control-plane/pkg/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "flowctl — waflow flow administration",
		Long: `flowctl manages bot conversation flows directly against the store.

Flow definitions are YAML files with symbolic node keys; seeding resolves
them into real node IDs. The store is picked the same way the server picks
it: PostgreSQL when DATABASE_URL is set, the local snapshot file otherwise.`,
	}
	root.AddCommand(seedCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(listCmd())
	return root
}

// ─── seed ─────────────────────────────────────────────────────────────────────

func seedCmd() *cobra.Command {
	var (
		tenant  string
		ngso    bool
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "seed [definition.yaml]",
		Short: "Create a flow from a definition file (or the built-in NGSO flow)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args, ngso)
			if err != nil {
				return err
			}

			st, err := server.NewStore(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer st.Close()

			flow, err := seed.Apply(cmd.Context(), st, tenant, def)
			if err != nil {
				return fmt.Errorf("seed flow: %w", err)
			}
			fmt.Printf("seeded flow %q (%s, %d nodes)\n", flow.Name, flow.ID, len(flow.Nodes))

			if publish {
				lc := flows.NewService(st)
				published, err := lc.Publish(cmd.Context(), tenant, flow.ID)
				if err != nil {
					return fmt.Errorf("publish flow: %w", err)
				}
				fmt.Printf("published flow %q (status %s)\n", published.Name, published.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant the flow belongs to")
	cmd.Flags().BoolVar(&ngso, "ngso", false, "seed the built-in NGSO collections flow")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the flow after seeding")
	return cmd
}

// ─── validate ─────────────────────────────────────────────────────────────────

func validateCmd() *cobra.Command {
	var ngso bool

	cmd := &cobra.Command{
		Use:   "validate [definition.yaml]",
		Short: "Validate a definition file without touching the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			def, err := loadDefinition(args, ngso)
			if err != nil {
				return err
			}

			flow, nodes, err := def.Build("default")
			if err != nil {
				return fmt.Errorf("build flow: %w", err)
			}

			result := graph.Validate(flow, derefNodes(nodes))
			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if !result.Valid {
				for _, e := range result.Errors {
					fmt.Fprintf(os.Stderr, "error: %s\n", e)
				}
				return fmt.Errorf("flow %q is invalid (%d errors)", def.Name, len(result.Errors))
			}
			fmt.Printf("OK: flow %q is valid (%d nodes)\n", def.Name, len(nodes))
			return nil
		},
	}

	cmd.Flags().BoolVar(&ngso, "ngso", false, "validate the built-in NGSO collections flow")
	return cmd
}

// ─── list ─────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		tenant string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := server.NewStore(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer st.Close()

			list, total, err := st.ListFlows(cmd.Context(), tenant, store.ListFilter{
				Status: models.FlowStatus(status),
				Limit:  100,
			})
			if err != nil {
				return err
			}
			for _, f := range list {
				fmt.Printf("%s  %-8s  %s\n", f.ID, f.Status, f.Name)
			}
			fmt.Printf("%d flow(s)\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant to list flows for")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, active, inactive)")
	return cmd
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func loadDefinition(args []string, ngso bool) (*seed.Definition, error) {
	if ngso {
		return seed.NGSO()
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("a definition file is required unless --ngso is set")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return seed.Parse(data)
}

func derefNodes(nodes []*models.BotNode) []models.BotNode {
	out := make([]models.BotNode, len(nodes))
	for i, n := range nodes {
		out[i] = *n
	}
	return out
}
