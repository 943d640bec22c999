package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/model"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the journey store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journey.Store.Driver == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema")
				return nil
			}
			// Opening a persistent store creates its schema.
			_, closer, err := buildJourneyStore(cmd.Context(), cfg.Journey.Store, zap.NewNop())
			if err != nil {
				return err
			}
			closer()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Journey.Store.Driver)
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <customer-id>",
		Short: "Show a customer's journey and transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journey.Store.Driver == "memory" {
				return fmt.Errorf("inspect needs a persistent journey store (postgres or sqlite)")
			}
			store, closer, err := buildJourneyStore(cmd.Context(), cfg.Journey.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer closer()

			return inspect(cmd.Context(), cmd.OutOrStdout(), journey.NewMachine(store, nil, nil), args[0])
		},
	}
}

func inspect(ctx context.Context, w io.Writer, machine *journey.Machine, customerID string) error {
	rec, err := machine.GetState(ctx, customerID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no journey for customer %q", customerID)
	}
	trail, err := machine.Transitions(ctx, customerID)
	if err != nil {
		return err
	}
	renderJourney(w, *rec, trail)
	return nil
}

// renderJourney writes the record and its audit trail as two tables.
func renderJourney(w io.Writer, rec model.JourneyRecord, trail []model.StageTransition) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Journey " + rec.ID)
	tw.AppendRows([]table.Row{
		{"Customer", rec.CustomerID},
		{"Name", rec.CustomerName},
		{"Listing", rec.ListingID},
		{"Thread", rec.ThreadID},
		{"Stage", rec.Stage},
		{"Version", rec.Version},
		{"Created", rec.CreatedAt.Format(time.RFC3339)},
		{"Updated", rec.LastUpdatedAt.Format(time.RFC3339)},
	})
	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{"meta." + k, rec.Metadata[k]})
	}
	tw.Render()

	tt := table.NewWriter()
	tt.SetOutputMirror(w)
	tt.SetTitle("Transitions")
	tt.AppendHeader(table.Row{"At", "From", "To", "Triggered By", "Agent", "Notes"})
	for _, t := range trail {
		tt.AppendRow(table.Row{t.OccurredAt.Format(time.RFC3339), t.FromStage, t.ToStage, t.TriggeredBy, t.ActingAgent, t.Notes})
	}
	tt.AppendFooter(table.Row{"", "", "", "", "Total", len(trail)})
	tt.Render()
}
