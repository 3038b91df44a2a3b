package main

import (
	"github.com/spf13/cobra"

	"github.com/artpar/metergate/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the metergate server.

The server will:
  - Load configuration from metergate.yaml (or --config)
  - Load the API registry file named by the config
  - Open the usage/billing database
  - Proxy /v1/call requests with auth, rate limiting, and metering
  - Watch the config and registry files for hot reload (SIGHUP also reloads)

Environment variables override file settings:
  METERGATE_SETTLEMENT_URL   - Settlement service URL
  METERGATE_REGISTRY_FILE    - API registry file path
  METERGATE_DATABASE_DSN     - Database path (default: metergate.db)
  METERGATE_SERVER_PORT      - Server port (default: 8080)
  METERGATE_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  metergate serve
  metergate serve --config /etc/metergate/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return err
	}
	return app.Run()
}
