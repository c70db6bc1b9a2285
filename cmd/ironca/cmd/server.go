package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/pki"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func newServerCmd(opts *rootOptions) *cobra.Command {
	var (
		port    int
		tlsCert string
		tlsKey  string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the certificate authority API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("tls-cert") {
				cfg.Server.TLSCert = tlsCert
			}
			if cmd.Flags().Changed("tls-key") {
				cfg.Server.TLSKey = tlsKey
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				return runServer(cmd, app)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	return cmd
}

func runServer(cmd *cobra.Command, app *app) error {
	cfg := app.cfg
	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}

	a := api.New(app.authorities, app.certs, app.exporter,
		api.WithLogger(app.logger),
		api.WithTrustedProxies(proxies),
		api.WithIssueRateLimit(cfg.Server.IssueRateLimit),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			app.logger.Warn("security alert",
				"alert", string(ev.Type),
				"message", ev.Message,
				"count", ev.Count,
				"threshold", ev.Threshold,
			)
		}),
	)
	defer a.Close()

	stopSweeper := make(chan struct{})
	defer close(stopSweeper)
	a.StartSweeper(sweepInterval, stopSweeper)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", a.Handler())

	tlsConfig, selfSigned, err := serverTLSConfig(cmd.Context(), cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if selfSigned {
		fmt.Fprintln(out, "Using self-signed runtime generated certificate for TLS")
	}
	if leaf := tlsConfig.Certificates[0].Leaf; leaf != nil {
		app.logger.Info("TLS certificate loaded",
			"subject", pki.SubjectString(leaf.Subject),
			"key", pki.DescribeKey(leaf),
			"not_after", leaf.NotAfter,
		)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(out)
	fmt.Fprintf(out, "Starting server on port %d (store: %s, data: %s)...\n", cfg.Server.Port, cfg.Store.Driver, cfg.Paths.Data)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
