package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/peterje/dbgmcp/internal/preflight"
	"github.com/peterje/dbgmcp/internal/server"
	"github.com/peterje/dbgmcp/internal/sessions"
	"github.com/peterje/dbgmcp/internal/shepherd"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	host     string
	port     int
	shepherd bool
}

func NewServeCommand(log logr.Logger, root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP and WebSocket session API",
		Long: `Serves the HTTP and WebSocket session API.

	With --shepherd, sessions live in a separate shepherd process that is
	started on demand and keeps them running across server restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), log, root, *opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.host, "host", "127.0.0.1", "Address to listen on")
	serveCmd.Flags().IntVarP(&opts.port, "port", "p", 8800, "Port to listen on")
	serveCmd.Flags().BoolVar(&opts.shepherd, "shepherd", false, "Keep sessions in a shepherd process")
	return serveCmd
}

func runServe(ctx context.Context, log logr.Logger, root *rootOptions, opts serveOptions) error {
	log = log.WithName("serve")

	set, err := root.flavors()
	if err != nil {
		return err
	}
	preflight.CheckAll(log, set)

	store, closeHistory := openHistory(log)
	defer closeHistory()

	var (
		manager  sessions.Manager
		registry *sessions.Registry
		client   *shepherd.Client
	)
	if opts.shepherd {
		client, err = shepherd.ConnectOrStart(ctx, log.WithName("shepherd"))
		if err != nil {
			log.Error(err, "shepherd unavailable, falling back to in-process sessions")
		}
	}
	if client != nil {
		// The shepherd records history itself.
		manager = client
		defer client.Close()
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go func() {
			select {
			case <-client.Closed():
				if watchCtx.Err() == nil {
					log.Info("lost connection to shepherd; session requests will fail until restart")
				}
			case <-watchCtx.Done():
			}
		}()
	} else {
		registry = newRegistry(log, store)
		manager = registry
	}

	srv := server.New(log.WithName("http"), manager, set, store, client != nil)
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(opts.host, strconv.Itoa(opts.port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	served := make(chan error, 1)
	go func() {
		log.Info("server running", "url", "http://"+httpSrv.Addr)
		served <- httpSrv.ListenAndServe()
	}()

	select {
	case err = <-served:
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}

	// Shepherd sessions outlive the server; in-process ones do not.
	if registry != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		registry.StopAll(stopCtx)
		cancel()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}
