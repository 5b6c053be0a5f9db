package cli

import (
	"github.com/spf13/cobra"

	"github.com/careerkit/tokens/internal/daemon"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the token HTTP API",
		Long: `Start the HTTP API server.

Endpoints (account id in the X-Account-ID header):
- GET  /api/tokens/balance
- POST /api/tokens/use
- POST /api/tokens/purchase
- POST /api/tokens/rewards/ad
- POST /api/tokens/rewards/referral
- POST /api/tokens/subscription
- GET  /api/tokens/transactions
- GET  /api/tokens/verify
- GET  /api/tokens/live (Server-Sent Events)
- GET  /api/tokens/features, /api/tokens/packages
- GET  /health, /metrics`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "Host to bind to (overrides config)")
	cmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config)")
	cmd.Flags().String("backend", "", "Storage backend: sqlite, redis or memory (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Storage.Backend = backend
	}

	d, err := daemon.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Run(cmd.Context())
}
