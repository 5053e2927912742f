package cli

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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/config"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/logging"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reactor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/syncing"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr string

	// Ready, when set, is called with the bound address once the sync
	// endpoint accepts connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a reactor and its sync endpoint",
		Long: `Run a reactor with the configured storage and replicate with the
configured remotes.

Remotes with a url are dialed and redialed until shutdown. Remotes without
one connect to this reactor at /sync/{name}.

Example:
  reactor serve --config reactor.yaml
  STORAGE_KV_DRIVER=bolt reactor serve --listen :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "sync endpoint address (overrides sync.listen_addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.EnvDir, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if opts.ListenAddr != "" {
		cfg.Sync.ListenAddr = opts.ListenAddr
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log configuration", err)
	}
	defer func() { _ = log.Sync() }()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	r, err := reactor.Build(ctx, cfg.ReactorConfig(),
		reactor.WithLogger(log),
		reactor.WithModules(opts.Modules...))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build reactor", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		if err := r.Shutdown(shutdownCtx); err != nil {
			log.Error("reactor shutdown", zap.Error(err))
		}
	}()
	if err := r.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start reactor", err)
	}

	server := syncing.NewServer(syncing.WithServerLogger(log.Named("sync")))
	if err := addRemotes(ctx, r, server, cfg.Sync.Remotes, log); err != nil {
		return WrapExitError(ExitCommandError, "failed to add remotes", err)
	}

	ln, err := net.Listen("tcp", cfg.Sync.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	addr := ln.Addr().String()
	log.Info("reactor serving",
		zap.String("addr", addr),
		zap.Strings("remotes", r.Sync().List()),
		zap.Strings("document_types", r.Registry().Types()))
	fmt.Fprintf(cmd.OutOrStdout(), "Reactor listening on %s\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "sync endpoint failed", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("sync endpoint shutdown", zap.Error(err))
	}
	log.Info("reactor stopped")
	return nil
}

// addRemotes connects every configured remote to the reactor. Dialed
// remotes connect out; the others are routed by server.
func addRemotes(ctx context.Context, r *reactor.Reactor, server *syncing.Server, remotes []config.RemoteConfig, log *zap.Logger) error {
	cursors := r.CursorStorage()
	for _, rc := range remotes {
		chLog := syncing.WithChannelLogger(log.Named("sync").With(zap.String("remote", rc.Name)))
		var ch syncing.Channel
		if rc.URL != "" {
			ch = syncing.DialWebSocket(rc.Name, rc.URL, cursors, chLog)
		} else {
			ws := syncing.AcceptWebSocket(rc.Name, cursors, chLog)
			if err := server.Accept(ws); err != nil {
				return err
			}
			ch = ws
		}
		if err := r.Sync().Add(ctx, rc.Name, ch, rc.Filter); err != nil {
			_ = ch.Shutdown(ctx)
			return fmt.Errorf("remote %s: %w", rc.Name, err)
		}
	}
	return nil
}
