package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/mcp"
	"github.com/petasbytes/mcp-playground/internal/runner"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Discover the configured MCP servers and print their tools",
	RunE:  runTools,
}

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-args]",
	Short: "Call one tool on a configured server directly, without the model",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCall,
}

func runTools(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	mgr, _, err := discover(cmd.Context(), cfg.Servers, cfg.Tools, log)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())
	return printCatalog(os.Stdout, mgr)
}

func runCall(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var target []config.ServerConfig
	for _, s := range cfg.Servers {
		if s.Name == args[0] {
			target = append(target, s)
		}
	}
	if len(target) == 0 {
		return fmt.Errorf("no server named %s is configured", args[0])
	}
	mgr, _, err := discover(cmd.Context(), target, cfg.Tools, log)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())
	if s := mgr.Servers()[0]; s.Status != mcp.StatusReady {
		return fmt.Errorf("server %s is %s: %s", s.Name, s.Status, s.Err)
	}

	input := "{}"
	if len(args) == 3 {
		input = args[2]
	}
	return manualCall(cmd.Context(), mgr, args[0], args[1], input, os.Stdout)
}

// newManager builds an empty registry whose clients use the tools settings.
// The global token applies to every server registered without one.
func newManager(tc config.ToolsConfig, log *zap.Logger) *mcp.Manager {
	opts := []mcp.ClientOption{mcp.WithTimeout(tc.CallTimeout)}
	if tc.AuthToken != "" {
		opts = append(opts, mcp.WithAuthToken(tc.AuthToken))
	}
	return mcp.NewManager(log, opts...)
}

// discover registers servers and loads their tools. It returns the manager
// and the number of tools found.
func discover(ctx context.Context, servers []config.ServerConfig, tc config.ToolsConfig, log *zap.Logger) (*mcp.Manager, int, error) {
	mgr := newManager(tc, log)
	for _, s := range servers {
		if err := mgr.Register(s.Name, s.URL, s.AuthToken); err != nil {
			return nil, 0, err
		}
	}
	return mgr, mgr.DiscoverAll(ctx), nil
}

var errToolFailed = errors.New("tool call failed")

// manualCall runs one tool outside any conversation and prints its result.
func manualCall(ctx context.Context, tools runner.Tools, server, tool, input string, out io.Writer) error {
	if !json.Valid([]byte(input)) {
		return fmt.Errorf("arguments are not valid JSON: %s", input)
	}
	res := tools.Call(ctx, mcp.QualifiedName(server, tool), json.RawMessage(input))
	if res.Failed() {
		fmt.Fprintf(out, "error: %s\n", res.Err)
		return errToolFailed
	}
	fmt.Fprintln(out, res.Result().String())
	return nil
}

func printCatalog(out io.Writer, mgr *mcp.Manager) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATUS\tTOOLS\tURL")
	for _, s := range mgr.Servers() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, len(s.Tools), s.URL)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, t := range mgr.Catalog() {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}
