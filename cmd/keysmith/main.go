// keysmith CLI - serves block-based key-transformation editing sessions
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/keysmith/config"
	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/server"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("keysmith")

func main() {
	configPath := flag.String("config", "", "Path to keysmith.toml (default: search upward from the working directory)")
	addr := flag.String("addr", "", "Listen address, overriding [server].addr")
	verbose := flag.Bool("v", false, "Verbose output")
	lspMode := flag.Bool("lsp", false, "Run a single editing session as a language server on stdio")
	serveGateway := flag.Bool("serve-gateway", false, "Also serve the code generator as a GatewayService")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: keysmith [options] [catalog ...]\n\n")
		fmt.Fprintf(os.Stderr, "Serves block-based editing sessions over Connect (HTTP/JSON).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  keysmith                       # Serve on [server].addr (127.0.0.1:8723)\n")
		fmt.Fprintf(os.Stderr, "  keysmith -addr :9000 -v        # Serve on :9000 with debug logging\n")
		fmt.Fprintf(os.Stderr, "  keysmith -lsp                  # Language server on stdio\n")
		fmt.Fprintf(os.Stderr, "\nCatalog:\n")
		fmt.Fprintf(os.Stderr, "  keysmith catalog list          # Show the block vocabulary\n")
		fmt.Fprintf(os.Stderr, "  keysmith catalog check FILE    # Validate a catalog TOML file\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	configureLogging(cfg, *verbose)

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "catalog":
			handleCatalogCommand(args[1:], cfg)
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	if *lspMode {
		lsp := server.NewLSP(editor.New(d.gateway, d.catalog, cfg.EditorOptions()))
		if err := lsp.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, d, *serveGateway); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, d *deps, serveGateway bool) error {
	opts := []server.ServerOption{
		server.WithEditorOptions(cfg.EditorOptions()),
		server.WithSessionTTL(cfg.Server.SessionTTL, cfg.Server.SweepInterval),
	}
	if d.executor != nil {
		opts = append(opts, server.WithExecutor(d.executor))
	}
	if serveGateway {
		opts = append(opts, server.WithGatewayService())
	}
	srv := server.New(d.gateway, d.catalog, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Notice("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig reads the file given with -config, or the nearest
// keysmith.toml, or falls back to the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
		cfg.Dir = wd
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, verbose bool) {
	verbosity := cfg.Log.Verbosity
	if verbose && verbosity < 2 {
		verbosity = 2
	}
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(verbosity, path)
}
