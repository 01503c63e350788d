// Command wapchostd promotes the HTTP surface spec.md §6 describes as an
// external collaborator into an actual runnable binary (SPEC_FULL.md
// Ambient Stack: "CLI / process wiring"), wiring pkg/environment,
// pkg/hostcall, pkg/fetch, pkg/database, pkg/sse, and internal/{config,
// fnbytes,httpapi} together behind a single `serve` subcommand.
//
// Grounded on the cobra root-command + PersistentPreRun(signal-aware
// context) pattern in steveyegge-beads/cmd/bd/main.go, with viper
// configuration wired the way teranos-QNTX/am/load.go does.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wapchost/runtime/internal/config"
	"github.com/wapchost/runtime/internal/fnbytes"
	"github.com/wapchost/runtime/internal/httpapi"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/database"
	"github.com/wapchost/runtime/pkg/environment"
	"github.com/wapchost/runtime/pkg/fetch"
	"github.com/wapchost/runtime/pkg/hostcall"
	"github.com/wapchost/runtime/pkg/sse"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "wapchostd",
	Short: "wapchostd serves wasm guest functions over HTTP",
	Long: `wapchostd is the serverless wasm execution platform described by this
repository: it loads, caches, and invokes WebAssembly modules in response
to HTTP requests, and fans out Server-Sent-Events to subscribers.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP surface: /add, /invoke, /sse, /sse_publish",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "path to an optional YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("wapchostd: load config: %w", err)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("service", "wapchostd").Logger()

	cache := fnbytes.New(cfg.Cache.TTL, cfg.Cache.TTI)
	defer cache.Close()

	broker := sse.New(ctx, []byte(cfg.SSE.Secret))

	registry := hostcall.NewRegistry(log.With().Str("component", "hostcall").Logger())
	registry.Register("fetch", fetch.New(http.DefaultClient))
	registry.Register("database", database.New(database.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RetryAttempts:   uint64(cfg.Database.RetryAttempts),
	}))
	registry.Register("message", messageBinding{broker: broker})

	server := &httpapi.Server{
		Cache:   cache,
		Fetcher: newArtifactFetcher(cfg.ArtifactBaseURL),
		Broker:  broker,
		Log:     log.With().Str("component", "httpapi").Logger(),
		NewEnv: func(ctx context.Context, wasmBytes []byte) (httpapi.Invoker, error) {
			return environment.New(ctx, wasmBytes, environment.Config{
				Handler: registry.Handle,
				Logger:  log.With().Str("component", "environment").Logger(),
				Deadlines: &environment.EpochDeadlines{
					WapcInit: cfg.Wasm.InitDeadline,
					WapcFunc: cfg.Wasm.FuncDeadline,
				},
			})
		},
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("wapchostd: serve: %w", err)
	}
}

// messageBinding adapts sse.Broker's Publish call to the "message" binding
// spec.md §4.E lists alongside fetch and database, letting guest code
// publish SSE events directly rather than only through POST /sse_publish.
type messageBinding struct {
	broker *sse.Broker
}

func (m messageBinding) Dispatch(ctx context.Context, namespace, operation string, payload []byte) ([]byte, error) {
	if namespace != "publish" {
		return nil, fmt.Errorf("message: unknown namespace %q", namespace)
	}
	var req struct {
		Bearer string `msgpack:"bearer"`
		Body   []byte `msgpack:"body"`
	}
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	id, err := m.broker.Publish(req.Bearer, req.Body)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(struct {
		ID string `msgpack:"id"`
	}{ID: id})
}
