package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeep/internal/security"
)

// ExitDenied is the exit code for a negative access or validation answer.
const ExitDenied = 2

var (
	accessCaller   string
	accessGroups   []string
	accessResource string
	accessMethods  []string
)

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Decide locally whether a caller may access a web resource",
	Long: `Evaluate the configured web resource constraints for a caller.

Examples:
  gatekeep access --caller alice --group dev --resource /api/orders --method GET
  gatekeep access --resource /public/index.html

Without --caller the request is evaluated as unauthenticated. Without
--method access is required for every standard HTTP method.

Exit codes:
  0  allowed
  1  error
  2  denied`,
	RunE: runAccess,
}

func init() {
	accessCmd.Flags().StringVar(&accessCaller, "caller", "", "caller name (empty = unauthenticated)")
	accessCmd.Flags().StringSliceVar(&accessGroups, "group", nil, "caller group (repeatable)")
	accessCmd.Flags().StringVar(&accessResource, "resource", "", "resource path (required)")
	accessCmd.Flags().StringSliceVar(&accessMethods, "method", nil, "HTTP method (repeatable)")

	_ = accessCmd.MarkFlagRequired("resource")
}

type accessDecision struct {
	Caller   string   `json:"caller,omitempty"`
	Resource string   `json:"resource"`
	Methods  []string `json:"methods,omitempty"`
	Allowed  bool     `json:"allowed"`
	Pattern  string   `json:"pattern,omitempty"`
}

func runAccess(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	constraints, err := cfg.WebResourceConstraints()
	if err != nil {
		return err
	}

	container := security.NewContainer(security.ContainerConfig{
		Constraints: constraints,
		Logger:      newLogger(verbose),
	})
	decision := decideAccess(container, accessCaller, accessGroups, accessResource, accessMethods)
	if err := writeJSON(os.Stdout, decision); err != nil {
		return err
	}
	if !decision.Allowed {
		os.Exit(ExitDenied)
	}
	return nil
}

func decideAccess(container *security.Container, caller string, groups []string, resource string, methods []string) accessDecision {
	sc := container.NewContext()
	if caller != "" {
		sc = container.NewContextFor(security.NewSubject(caller, groups...))
	}
	return accessDecision{
		Caller:   caller,
		Resource: resource,
		Methods:  methods,
		Allowed:  sc.HasAccessToWebResource(resource, methods...),
		Pattern:  container.Constraints().MatchedPattern(resource),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
