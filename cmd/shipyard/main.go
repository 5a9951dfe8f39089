package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

const (
	exitSucceeded = 0
	exitFailed    = 1
	exitAborted   = 2
	exitActive    = 3
	exitConflict  = 4
	exitError     = 5
)

var rootCmd = &cobra.Command{
	Use:   "shipyard",
	Short: "Shipyard deployment pipeline orchestrator",
	Long: `Shipyard moves a source ref through build, test, publish, deploy and verify
for a named target. Each target is deployed by at most one run at a time, and a
run only succeeds once the deployed version is ready and reporting telemetry.

Use 'shipyard serve' to run the orchestrator and its HTTP API, and the run
subcommands to drive it. Exit codes follow the run status: succeeded=0,
failed=1, aborted=2, pending/running=3, target locked=4, any other error=5.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(viper.GetString("env-file"), cmd.Flags().Changed("env-file"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.Execute()
	var status *statusExit
	if err != nil && !errors.As(err, &status) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func initConfig() {
	viper.SetEnvPrefix("SHIPYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "shipyard.yml", "pipeline config file")
	flags.String("env-file", ".env", "dotenv file loaded before anything else")
	flags.String("server", "http://localhost:8080", "shipyard API base URL")
	flags.String("token", "", "bearer token for the API")
	flags.String("token-url", "", "OAuth2 token endpoint for client credentials")
	flags.String("client-id", "", "OAuth2 client id")
	flags.String("client-secret", "", "OAuth2 client secret")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "env-file", "server", "token", "token-url", "client-id", "client-secret", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(locksCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// statusExit carries a run status out of a command so main can exit with the
// matching code without printing it as an error.
type statusExit struct {
	status domain.RunStatus
}

func (e *statusExit) Error() string {
	return "run " + string(e.status)
}

// exitForStatus returns nil for succeeded runs and a *statusExit otherwise.
func exitForStatus(status string) error {
	s := domain.NormalizeRunStatus(status)
	if s == domain.RunStatusSucceeded {
		return nil
	}
	return &statusExit{status: s}
}

func statusCode(status domain.RunStatus) int {
	switch status {
	case domain.RunStatusSucceeded:
		return exitSucceeded
	case domain.RunStatusFailed:
		return exitFailed
	case domain.RunStatusAborted:
		return exitAborted
	case domain.RunStatusPending, domain.RunStatusRunning:
		return exitActive
	default:
		return exitError
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitSucceeded
	}
	var status *statusExit
	if errors.As(err, &status) {
		return statusCode(status.status)
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return exitConflict
	}
	return exitError
}
