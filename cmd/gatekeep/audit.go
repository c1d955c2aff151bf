package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeep/internal/security"
)

var (
	auditCaller string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit events from the database trail",
	Long: `Show recent audit events, newest first.

Only events written with security.audit_to_store enabled are stored in the
database; the JSONL file log is not read by this command.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditCaller, "caller", "", "only events for this caller")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events (1-1000)")
}

func runAudit(_ *cobra.Command, _ []string) error {
	if auditLimit < 1 || auditLimit > 1000 {
		return fmt.Errorf("limit must be between 1 and 1000, got %d", auditLimit)
	}
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		events, err := sc.Store.Audit().Recent(ctx, auditCaller, auditLimit)
		if err != nil {
			return fmt.Errorf("reading audit trail: %w", err)
		}
		if events == nil {
			events = []security.AuditEvent{}
		}
		return writeJSON(os.Stdout, events)
	})
}
