package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/engine"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/spf13/cobra"
)

// resolveOptions holds the parsed flags of the resolve command.
type resolveOptions struct {
	Definitions  string
	Organization string
	Request      engine.SimulationRequest
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the plan and flows a request would run, without serving it",
		Long: `Loads the definitions, selects the plan whose selection rule accepts the
request and prints the flows of both phases in execution order as JSON.
No policy runs and no upstream is called.`,
		Args: cobra.NoArgs,
		RunE: runResolve,
	}

	cmd.Flags().String("definitions", "", "Path to the definitions file; defaults to the configured one")
	cmd.Flags().String("organization", "", "Organization whose platform flows apply")
	cmd.Flags().String("api", "", "API id; defaults to matching the path against context paths")
	cmd.Flags().StringP("method", "X", "GET", "Request method")
	cmd.Flags().String("path", "/", "Request path including the context path")
	cmd.Flags().StringArrayP("header", "H", nil, "Request header as name=value (repeatable)")
	cmd.Flags().StringArrayP("query", "q", nil, "Query parameter as name=value (repeatable)")
	cmd.Flags().StringArray("attr", nil, "Context attribute as name=value (repeatable)")
	cmd.Flags().String("remote-addr", "127.0.0.1", "Client address")
	return cmd
}

func parseResolveOptions(cmd *cobra.Command) (*resolveOptions, error) {
	flags := cmd.Flags()
	opts := &resolveOptions{}
	var err error

	if opts.Definitions, err = flags.GetString("definitions"); err != nil {
		return nil, fmt.Errorf("failed to get definitions flag: %w", err)
	}
	if opts.Organization, err = flags.GetString("organization"); err != nil {
		return nil, fmt.Errorf("failed to get organization flag: %w", err)
	}
	req := &opts.Request
	if req.APIID, err = flags.GetString("api"); err != nil {
		return nil, fmt.Errorf("failed to get api flag: %w", err)
	}
	if req.Method, err = flags.GetString("method"); err != nil {
		return nil, fmt.Errorf("failed to get method flag: %w", err)
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Path, err = flags.GetString("path"); err != nil {
		return nil, fmt.Errorf("failed to get path flag: %w", err)
	}
	if req.RemoteAddr, err = flags.GetString("remote-addr"); err != nil {
		return nil, fmt.Errorf("failed to get remote-addr flag: %w", err)
	}

	headers, err := flags.GetStringArray("header")
	if err != nil {
		return nil, fmt.Errorf("failed to get header flag: %w", err)
	}
	if req.Headers, err = parsePairs("header", headers); err != nil {
		return nil, err
	}
	query, err := flags.GetStringArray("query")
	if err != nil {
		return nil, fmt.Errorf("failed to get query flag: %w", err)
	}
	if req.Query, err = parsePairs("query", query); err != nil {
		return nil, err
	}
	attrs, err := flags.GetStringArray("attr")
	if err != nil {
		return nil, fmt.Errorf("failed to get attr flag: %w", err)
	}
	pairs, err := parsePairs("attr", attrs)
	if err != nil {
		return nil, err
	}
	if len(pairs) > 0 {
		req.Attributes = make(map[string]any, len(pairs))
		for k, v := range pairs {
			req.Attributes[k] = v
		}
	}
	return opts, nil
}

// parsePairs splits name=value arguments. Values may contain '='.
func parsePairs(flag string, args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected name=value", flag, arg)
		}
		out[name] = value
	}
	return out, nil
}

func runResolve(cmd *cobra.Command, _ []string) error {
	opts, err := parseResolveOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.Definitions == "" {
		opts.Definitions = cfg.Definitions.File
	}
	if opts.Definitions == "" {
		return config.NewConfigMissingError("definitions").
			WithSuggestion("Pass --definitions or set definitions.file")
	}
	if opts.Organization == "" {
		opts.Organization = cfg.Gateway.Organization
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "text",
		Output: cmd.ErrOrStderr(),
	})

	snap, err := config.LoadDefinitions(opts.Definitions)
	if err != nil {
		return err
	}
	registry := engine.NewRegistry(engine.RegistryConfig{
		Policies: policy.NewDefaultRegistry(),
		Limiter:  governance.NewRateLimiter(),
		Logger:   logger,
	})
	if err := registry.Apply(cmd.Context(), snap, opts.Organization); err != nil {
		return err
	}

	simulator, err := engine.NewSimulator(registry, nil, logger)
	if err != nil {
		return err
	}
	resp, err := simulator.Simulate(cmd.Context(), opts.Request)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
