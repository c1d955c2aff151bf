package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeep/internal/credential"
	"github.com/jkaninda/gatekeep/internal/identitystore"
	"github.com/jkaninda/gatekeep/internal/secrets"
	"github.com/jkaninda/gatekeep/internal/security"
)

var (
	callerGroups       []string
	callerPasswordFile string
)

var callersCmd = &cobra.Command{
	Use:   "callers",
	Short: "Manage callers in the database identity store",
}

var callersAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a caller",
	Long: `Create a caller in the database identity store.

The password is read from --password-file, or from the first line of stdin
when the flag is "-" (the default):

  printf '%s\n' "$PW" | gatekeep callers add alice --group dev`,
	Args: cobra.ExactArgs(1),
	RunE: runCallersAdd,
}

var callersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List callers",
	Args:  cobra.NoArgs,
	RunE:  runCallersList,
}

var callersRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a caller",
	Args:  cobra.ExactArgs(1),
	RunE:  runCallersRemove,
}

var callersValidateCmd = &cobra.Command{
	Use:   "validate NAME",
	Short: "Validate a caller's password against every identity store",
	Long: `Validate a caller's password against the configured identity stores.

Exit codes:
  0  valid
  1  error
  2  invalid or unknown caller`,
	Args: cobra.ExactArgs(1),
	RunE: runCallersValidate,
}

func init() {
	callersAddCmd.Flags().StringSliceVar(&callerGroups, "group", nil, "group membership (repeatable)")
	for _, cmd := range []*cobra.Command{callersAddCmd, callersValidateCmd} {
		cmd.Flags().StringVar(&callerPasswordFile, "password-file", "-", `file holding the password ("-" = stdin)`)
	}
	callersCmd.AddCommand(callersAddCmd, callersListCmd, callersRemoveCmd, callersValidateCmd)
}

type callerOutput struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Groups    []string  `json:"groups"`
	CreatedAt time.Time `json:"created_at"`
}

func toCallerOutput(rec identitystore.CallerRecord) callerOutput {
	groups := rec.Groups
	if groups == nil {
		groups = []string{}
	}
	return callerOutput{ID: rec.ID.String(), Name: rec.Name, Groups: groups, CreatedAt: rec.CreatedAt}
}

// withShared loads the config, initializes shared components and runs fn.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	sc, err := initShared(ctx, cfg, newLogger(verbose))
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	return fn(ctx, sc)
}

func requireCallers(sc *SharedComponents) (*identitystore.DBStore, error) {
	if sc.Callers == nil {
		return nil, errors.New("database identity store is disabled (identity_stores.database.disabled)")
	}
	return sc.Callers, nil
}

func runCallersAdd(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		store, err := requireCallers(sc)
		if err != nil {
			return err
		}
		pw, err := secrets.ReadPassword(callerPasswordFile, os.Stdin)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		// AddCaller clears pw.
		rec, err := store.AddCaller(ctx, args[0], pw, callerGroups)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, toCallerOutput(*rec))
	})
}

func runCallersList(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		store, err := requireCallers(sc)
		if err != nil {
			return err
		}
		recs, err := store.ListCallers(ctx)
		if err != nil {
			return err
		}
		out := make([]callerOutput, 0, len(recs))
		for _, rec := range recs {
			out = append(out, toCallerOutput(rec))
		}
		return writeJSON(os.Stdout, out)
	})
}

func runCallersRemove(_ *cobra.Command, args []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		store, err := requireCallers(sc)
		if err != nil {
			return err
		}
		if err := store.RemoveCaller(ctx, args[0]); err != nil {
			return err
		}
		sc.Logger.Info("caller removed", slog.String("caller", args[0]))
		return nil
	})
}

type validateOutput struct {
	Status  string   `json:"status"`
	Caller  string   `json:"caller"`
	Groups  []string `json:"groups,omitempty"`
	StoreID string   `json:"store_id,omitempty"`
	Cleared bool     `json:"credential_cleared"`
}

func runCallersValidate(_ *cobra.Command, args []string) error {
	var valid bool
	err := withShared(func(ctx context.Context, sc *SharedComponents) error {
		pw, err := secrets.ReadPassword(callerPasswordFile, os.Stdin)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		out, err := validateCaller(ctx, sc, credential.NewUsernamePassword(args[0], pw))
		if err != nil {
			return err
		}
		valid = out.Status == identitystore.Valid.String()
		return writeJSON(os.Stdout, out)
	})
	if err != nil {
		return err
	}
	if !valid {
		os.Exit(ExitDenied)
	}
	return nil
}

// validateCaller validates cred, clears it and appends a "validate" audit
// event. A credential that cannot be cleared fails the command.
func validateCaller(ctx context.Context, sc *SharedComponents, cred *credential.UsernamePassword) (validateOutput, error) {
	result, verr := sc.Identities.Validate(ctx, cred)
	clearErr := cred.Clear()
	if m := sc.Obs.MetricsOrNil(); m != nil {
		m.RecordCredentialClear(cred.Kind(), clearErr)
	}

	event := security.AuditEvent{
		Timestamp:      time.Now().UTC(),
		CorrelationID:  uuid.NewString(),
		Caller:         cred.Caller(),
		Action:         "validate",
		Mechanism:      "cli",
		CredentialKind: string(cred.Kind()),
		Result:         security.AuditResultFailure,
		Cleared:        cred.IsCleared(),
	}
	switch {
	case verr != nil:
		event.Result = security.AuditResultError
		event.Error = verr.Error()
	case clearErr != nil:
		event.Result = security.AuditResultError
		event.Error = clearErr.Error()
	case result.Status == identitystore.Valid:
		event.Result = security.AuditResultSuccess
	}
	if sc.Audit != nil {
		if err := sc.Audit.LogAction(ctx, event); err != nil {
			sc.Logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	if verr != nil {
		return validateOutput{}, verr
	}
	if clearErr != nil {
		return validateOutput{}, clearErr
	}
	return validateOutput{
		Status:  result.Status.String(),
		Caller:  cred.Caller(),
		Groups:  result.Groups,
		StoreID: result.StoreID,
		Cleared: cred.IsCleared(),
	}, nil
}
