package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/mcp"
	"github.com/petasbytes/mcp-playground/internal/provider"
	"github.com/petasbytes/mcp-playground/internal/runner"
	"github.com/petasbytes/mcp-playground/internal/telemetry"
	"github.com/petasbytes/mcp-playground/memory"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat (default command)",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().String("transcript", "", "transcript file to resume and save (default from config)")
	chatCmd.Flags().Int("token-budget", 0, "cap the estimated tokens sent per call (0 sends everything)")
	chatCmd.Flags().Bool("with-retail", false, "start the demo retail servers in-process and use them")

	_ = viper.BindPFlag("transcript.path", chatCmd.Flags().Lookup("transcript"))
	_ = viper.BindPFlag("conversation.token_budget", chatCmd.Flags().Lookup("token-budget"))
}

func runChat(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Set up graceful shutdown on Ctrl-C (SIGINT) / SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	servers := cfg.Servers
	if withRetail, _ := cmd.Flags().GetBool("with-retail"); withRetail {
		demo, stop, err := startRetail("127.0.0.1:0", log)
		if err != nil {
			return err
		}
		defer stop()
		servers = append(servers, demo...)
	}

	gw, err := provider.New(ctx, cfg.Model, log)
	if err != nil {
		return err
	}
	mgr, n, err := discover(ctx, servers, cfg.Tools, log)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())
	for _, s := range mgr.Servers() {
		if s.Status != mcp.StatusReady {
			fmt.Fprintf(os.Stderr, "warning: tool server %s is %s: %s\n", s.Name, s.Status, s.Err)
		}
	}

	events := telemetry.New(cfg.Telemetry, log)
	session := conversation.New(
		conversation.WithMaxRetries(cfg.Conversation.MaxRetries),
		conversation.WithLogger(log),
		conversation.WithTransitionHook(events.TransitionHook()),
	)

	// Load prior conversation if exists
	persistPath := cfg.Transcript.Path
	if persistPath != "" {
		persisted, err := memory.LoadConversation(persistPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load persisted conversation: %v\n", err)
		} else if len(persisted) > 0 {
			if err := session.Restore(persisted); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to restore conversation: %v\n", err)
			}
		}
	}

	r := runner.New(gw, mgr, session, runner.SettingsFromConfig(cfg),
		runner.WithLogger(log),
		runner.WithTelemetry(events),
	)

	fmt.Printf("Chat with %s via %s, %d tools (Ctrl-C to quit, /help for commands)\n", gw.Model(), gw.Name(), n)
	repl(ctx, r, mgr, os.Stdin, os.Stdout, func() {
		if persistPath == "" {
			return
		}
		if err := memory.SaveConversation(persistPath, session.ID(), session.Transcript()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to save conversation: %v\n", err)
		}
	}, log)
	return nil
}

// catalog is the tool registry the REPL drives.
type catalog interface {
	runner.Tools
	Servers() []mcp.ServerInfo
	Register(name, url, token string) error
	Remove(name string) bool
	Discover(ctx context.Context, name string) int
	DiscoverAll(ctx context.Context) int
}

// repl reads lines from in until EOF or ctx is done. save runs after every
// completed turn.
func repl(ctx context.Context, r *runner.Runner, tools catalog, in io.Reader, out io.Writer, save func(), log *zap.Logger) {
	scanner := bufio.NewScanner(in)

	// stdin reader goroutine -> lines into channel
	inputCh := make(chan string)
	go func() {
		defer close(inputCh)
		for scanner.Scan() {
			select {
			case inputCh <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "\u001b[94mYou\u001b[0m: ")
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nExiting...")
			return
		case line, ok = <-inputCh:
			if !ok {
				if err := scanner.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "warning: stdin read error: %v\n", err)
				}
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, line, r, tools, out, save); quit {
				return
			}
			continue
		}

		reply, err := r.Run(ctx, line)
		if reply != nil {
			for _, c := range reply.Calls {
				status := "ok"
				if c.IsError {
					status = "error"
				}
				fmt.Fprintf(out, "\u001b[92mtool\u001b[0m: %s(%s) -> %s\n", c.Name, string(c.Input), status)
			}
			if reply.Text != "" {
				fmt.Fprintf(out, "\u001b[93mAssistant\u001b[0m: %s\n", reply.Text)
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(out, "\nExiting...")
				return
			}
			fmt.Fprintf(out, "error: %v\n", err)
			recoverSession(r.Session(), log)
		}
		save()
	}
}

// recoverSession brings an errored session back to idle, keeping every turn
// that survives repair.
func recoverSession(s *conversation.Session, log *zap.Logger) {
	if s.State() != conversation.StateError {
		return
	}
	turns := s.Transcript()
	s.Reset()
	if err := s.Restore(turns); err != nil {
		log.Warn("restore after error failed", zap.Error(err))
	}
}

// command handles a slash command and reports whether the REPL should exit.
func command(ctx context.Context, line string, r *runner.Runner, tools catalog, out io.Writer, save func()) bool {
	args := strings.Fields(line)
	switch args[0] {
	case "/exit", "/quit":
		return true
	case "/reset":
		r.Session().Reset()
		save()
		fmt.Fprintln(out, "Conversation cleared.")
	case "/tools":
		for _, spec := range tools.Catalog() {
			fmt.Fprintf(out, "  %s  %s\n", spec.Name, spec.Description)
		}
		for _, s := range tools.Servers() {
			fmt.Fprintf(out, "  [%s] %s %s\n", s.Status, s.Name, s.URL)
		}
	case "/add":
		if len(args) < 3 || len(args) > 4 {
			fmt.Fprintln(out, "usage: /add <name> <url> [token]")
			break
		}
		addServer(ctx, tools, args[1:], out)
	case "/remove":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: /remove <name>")
			break
		}
		if tools.Remove(args[1]) {
			fmt.Fprintf(out, "Removed %s.\n", args[1])
		} else {
			fmt.Fprintf(out, "no server named %s\n", args[1])
		}
	case "/discover":
		if len(args) == 1 {
			fmt.Fprintf(out, "Discovered %d tools.\n", tools.DiscoverAll(ctx))
			break
		}
		n := tools.Discover(ctx, args[1])
		if s, ok := serverInfo(tools, args[1]); ok {
			fmt.Fprintf(out, "%s is %s with %d tools.\n", s.Name, s.Status, n)
		} else {
			fmt.Fprintf(out, "no server named %s\n", args[1])
		}
	case "/call":
		if len(args) < 3 {
			fmt.Fprintln(out, "usage: /call <server> <tool> [json-args]")
			break
		}
		input := "{}"
		if rest := argsAfter(line, 3); rest != "" {
			input = rest
		}
		if err := manualCall(ctx, tools, args[1], args[2], input, out); err != nil && !errors.Is(err, errToolFailed) {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	case "/state":
		s := r.Session()
		fmt.Fprintf(out, "session %s: %s, %d turns\n", s.ID(), s.State(), len(s.Transcript()))
	case "/help":
		fmt.Fprintln(out, `/tools                          list tools and servers
/add <name> <url> [token]       connect a tool server
/remove <name>                  drop a tool server
/discover [name]                reload tools from one or all servers
/call <server> <tool> [json]    call a tool directly
/state                          show session state
/reset                          clear the conversation
/exit                           quit`)
	default:
		fmt.Fprintf(out, "unknown command %s (try /help)\n", line)
	}
	return false
}

// addServer registers a server only if it answers the handshake and lists
// its tools.
func addServer(ctx context.Context, tools catalog, args []string, out io.Writer) {
	name, url := args[0], args[1]
	if _, exists := serverInfo(tools, name); exists {
		fmt.Fprintf(out, "server %s is already registered (/remove it first)\n", name)
		return
	}
	var token string
	if len(args) == 3 {
		token = args[2]
	}
	if err := tools.Register(name, url, token); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	n := tools.Discover(ctx, name)
	if s, _ := serverInfo(tools, name); s.Status != mcp.StatusReady {
		tools.Remove(name)
		fmt.Fprintf(out, "could not connect to %s (%s): %s\n", name, s.Status, s.Err)
		return
	}
	fmt.Fprintf(out, "Added %s with %d tools.\n", name, n)
}

func serverInfo(tools catalog, name string) (mcp.ServerInfo, bool) {
	for _, s := range tools.Servers() {
		if s.Name == name {
			return s, true
		}
	}
	return mcp.ServerInfo{}, false
}

// argsAfter returns line with its first n whitespace-separated fields removed.
func argsAfter(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n && rest != ""; i++ {
		j := strings.IndexFunc(rest, unicode.IsSpace)
		if j < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[j:])
	}
	return rest
}
