package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/mcpserver"
	"github.com/petasbytes/mcp-playground/tools"
)

var retailCmd = &cobra.Command{
	Use:   "retail",
	Short: "Serve the demo product and order MCP servers",
	RunE:  runRetail,
}

func init() {
	retailCmd.Flags().String("addr", "", "listen address (default from config retail.addr)")
	retailCmd.Flags().Bool("sse", false, "answer with text/event-stream bodies")
	retailCmd.Flags().String("servers-out", "", "also write the server list as a servers file to this path")
	_ = viper.BindPFlag("retail.addr", retailCmd.Flags().Lookup("addr"))
}

// retailHandler mounts one MCP server per demo tool set at /<name>, so the
// products server answers on /products/mcp.
func retailHandler(store *tools.Store, log *zap.Logger, opts ...mcpserver.Option) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for name, defs := range tools.Registry(store) {
		srvOpts := append([]mcpserver.Option{mcpserver.WithLogger(log.With(zap.String("server", name)))}, opts...)
		r.Mount("/"+name, mcpserver.New(name, defs, srvOpts...).Handler())
	}
	return r
}

// retailServers lists the demo servers reachable under baseURL.
func retailServers(baseURL string) []config.ServerConfig {
	return []config.ServerConfig{
		{Name: tools.ProductServer, URL: baseURL + "/" + tools.ProductServer + mcpserver.Path},
		{Name: tools.OrderServer, URL: baseURL + "/" + tools.OrderServer + mcpserver.Path},
	}
}

// startRetail serves the demo servers on addr in the background. It returns
// their server configs and a stop function.
func startRetail(addr string, log *zap.Logger, opts ...mcpserver.Option) ([]config.ServerConfig, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("retail: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           retailHandler(tools.NewStore(tools.DefaultCatalog()...), log, opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("retail server stopped", zap.Error(err))
		}
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return retailServers("http://" + ln.Addr().String()), stop, nil
}

func runRetail(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var opts []mcpserver.Option
	if sse, _ := cmd.Flags().GetBool("sse"); sse {
		opts = append(opts, mcpserver.WithSSE(true))
	}

	servers, stop, err := startRetail(cfg.Retail.Addr, log, opts...)
	if err != nil {
		return err
	}
	defer stop()

	if out, _ := cmd.Flags().GetString("servers-out"); out != "" {
		if err := config.SaveServersFile(out, servers); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", out)
	}
	for _, s := range servers {
		fmt.Printf("%-10s %s\n", s.Name, s.URL)
	}
	fmt.Println("Serving demo tools (Ctrl-C to stop)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	return nil
}
