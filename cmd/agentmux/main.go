// Command agentmux serves the canonical agent-backend multiplexing
// gateway: one WebSocket/REST surface in front of interchangeable
// line-protocol, app-server, and agent-client CLI backends.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/agentmux/backend"
	"github.com/coderelay/agentmux/backend/agentclient"
	"github.com/coderelay/agentmux/backend/appserver"
	"github.com/coderelay/agentmux/backend/lineproto"
	"github.com/coderelay/agentmux/callback"
	"github.com/coderelay/agentmux/gateway"
	"github.com/coderelay/agentmux/session"
)

var (
	listenAddr        string
	logLevel          string
	permissionTimeout time.Duration

	lineprotoBin   string
	appserverBin   string
	agentclientBin string
)

var rootCmd = &cobra.Command{
	Use:   "agentmux",
	Short: "Multiplexing gateway for AI coding-agent CLI backends",
	Long: `Agentmux drives line-protocol, app-server, and agent-client CLI
backends through one canonical session, command, and event model,
served over WebSocket and REST.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8137", "Listen address for the gateway")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().DurationVar(&permissionTimeout, "permission-timeout", callback.DefaultTimeout,
		"How long an unanswered permission request waits before the default deny")
	rootCmd.Flags().StringVar(&lineprotoBin, "lineproto-bin", "", "Executable for the line-protocol backend")
	rootCmd.Flags().StringVar(&appserverBin, "appserver-bin", "", "Executable for the app-server backend")
	rootCmd.Flags().StringVar(&agentclientBin, "agentclient-bin", "", "Executable for the agent-client backend")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	registry := backend.NewRegistry()
	if err := errors.Join(
		registry.Register(backend.KindLineProto, lineproto.Factory()),
		registry.Register(backend.KindAppServer, appserver.Factory()),
		registry.Register(backend.KindAgentClient, agentclient.Factory()),
	); err != nil {
		return err
	}

	correlator := callback.New(
		callback.WithTimeout(permissionTimeout),
		callback.WithLogger(logger),
	)

	managerOpts := []session.Option{session.WithLogger(logger)}
	for kind, bin := range map[backend.Kind]string{
		backend.KindLineProto:   lineprotoBin,
		backend.KindAppServer:   appserverBin,
		backend.KindAgentClient: agentclientBin,
	} {
		if bin != "" {
			managerOpts = append(managerOpts, session.WithBackendOptions(kind, backend.WithExecutable(bin)))
		}
	}
	manager := session.NewManager(registry, correlator, managerOpts...)

	srv := gateway.NewServer(manager, gateway.WithLogger(logger))
	httpSrv := &http.Server{
		Addr:    listenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		manager.Close()
		srv.Shutdown()
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	manager.Close()
	srv.Shutdown()
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
