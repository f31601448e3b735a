package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edulab/ocrelay/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway in front of the OCR service",
	Long: `Start an HTTP server that exposes the OCR relay as a REST API.

The server provides the following endpoints:
  POST /ocr/scan      - Relay an uploaded image or PDF
  GET  /ocr/health    - Probe the upstream OCR service
  GET  /ocr/languages - List upstream-supported languages
  GET  /ocr/stream    - WebSocket scan with live progress
  POST /warmup        - Trigger an upstream model warmup
  GET  /health        - Gateway liveness
  GET  /metrics       - Prometheus metrics

Examples:
  ocrelay serve
  ocrelay serve --port 8080
  ocrelay serve --host 0.0.0.0 --cors-origin https://app.example.com`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host, _ = cmd.Flags().GetString("host")
		}
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		corsOrigin := cfg.Server.CORSOrigin
		if cmd.Flags().Changed("cors-origin") {
			corsOrigin, _ = cmd.Flags().GetString("cors-origin")
		}
		maxUploadMB := cfg.Server.MaxUploadMB
		if cmd.Flags().Changed("max-upload-size") {
			maxUploadMB, _ = cmd.Flags().GetInt64("max-upload-size")
		}
		shutdownTimeout := cfg.Server.ShutdownTimeout
		if cmd.Flags().Changed("shutdown-timeout") {
			shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
		}

		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
		}

		orchestrator, upstream, err := buildRelay(cfg)
		if err != nil {
			return err
		}

		gateway := server.NewServer(server.Config{
			Host:        host,
			Port:        port,
			CORSOrigin:  corsOrigin,
			MaxUploadMB: maxUploadMB,
		}, orchestrator, upstream)

		mux := http.NewServeMux()
		gateway.SetupRoutes(mux)

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			slog.Info("Starting OCR relay server", "host", host, "port", port,
				"upstream", cfg.Upstream.BaseURL)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		slog.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", shutdownTimeout))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(shutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int64("max-upload-size", 25, "maximum upload size in MB")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
}
