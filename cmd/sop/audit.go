package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/domain"
	"sopline/internal/engine"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read and verify the audit trail"}
	cmd.AddCommand(auditHistoryCmd())
	cmd.AddCommand(auditProjectCmd())
	cmd.AddCommand(auditVerifyCmd())
	return cmd
}

func auditHistoryCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "history <entity-type> <entity-id>",
		Short: "Show an entity's audit rows, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.AuditQuery{EntityType: domain.EntityType(args[0]), EntityID: args[1], Limit: limit, Cursor: cursor}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.AuditHistory(ctx, q)
				if err != nil {
					return err
				}
				return printAuditPage(page)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from the previous page")
	return cmd
}

func auditProjectCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "project <project-id>",
		Short: "Show every audit row linked to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ProjectAudit(ctx, args[0], limit, cursor)
				if err != nil {
					return err
				}
				return printAuditPage(page)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from the previous page")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <entity-type> <entity-id>",
		Short: "Recompute the hash chain of an entity's history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.VerifyAuditChain(ctx, domain.EntityType(args[0]), args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if !rep.Valid {
					return fmt.Errorf("chain broken at %s: %s", rep.BrokenAt, rep.Reason)
				}
				fmt.Printf("chain ok (%d entries)\n", rep.Entries)
				return nil
			})
		},
	}
}

func printAuditPage(page engine.AuditPage) error {
	if viper.GetBool("json") {
		return printJSON(page)
	}
	tw := newTable(table.Row{"Seq", "At", "Entity", "Action", "Actor", "Description"})
	for _, a := range page.Items {
		tw.AppendRow(table.Row{a.Seq, a.CreatedAt.UTC().Format("2006-01-02 15:04:05"), string(a.EntityType) + ":" + a.EntityID, a.Action, a.ActorID, a.Description})
	}
	tw.Render()
	if page.NextCursor != "" {
		fmt.Println("next cursor:", page.NextCursor)
	}
	return nil
}
