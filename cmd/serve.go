package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/api"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the batch trigger and scan API server",
	Long: `Start the HTTP server.

Routes:
  GET|POST /api/cron/scan-websites   run one scan batch (Bearer cron secret)
  GET      /api/v1/scans/:id         scan with findings (Bearer API key)
  GET      /health                   database health

Example:
  WPSENTRY_CRON_SECRET=... wpsentry serve --port 8080
`,
	RunE: runServe,
}

var (
	serverPort int
	serverHost string
	tlsCert    string
	tlsKey     string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serverPort, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate (optional)")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS private key (optional)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if (tlsCert == "") != (tlsKey == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
	}
	if cfg.Security.CronSecret == "" {
		log.Warnw("Cron secret not configured; the batch trigger will reject every request",
			"hint", "set WPSENTRY_CRON_SECRET or security.cron_secret",
		)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := newServices(ctx, cfg, log)
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Security, svc.scheduler, svc.store, log)

	addr := fmt.Sprintf("%s:%d", serverHost, serverPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// a batch can run for a long time
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	handler := shutdown.NewHandler(30*time.Second, log)
	handler.Register("services", func(context.Context) error { return svc.Close() })
	handler.Register("http", server.Shutdown)

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening", "address", addr, "tls", tlsCert != "")
		if tlsCert != "" {
			serverErrors <- server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serverErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server failed", "error", err)
			serverErrors <- err
		}
		cancel()
	}()

	if err := handler.Wait(waitCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	default:
	}
	log.Infow("Server stopped")
	return nil
}
