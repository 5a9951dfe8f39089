package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/shipyard-go/internal/api"
	"github.com/animus-labs/shipyard-go/internal/client"
)

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Start and inspect pipeline runs"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runListCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var sourceRef, target string
	var params []string
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run for a target",
		Long: `Start a run that moves --source-ref through every stage into --target.
Without --wait the command exits 0 once the run is accepted. With --wait it
blocks until the run is terminal and exits with the run's status code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(sourceRef) == "" {
				return errors.New("--source-ref required")
			}
			if strings.TrimSpace(target) == "" {
				return errors.New("--target required")
			}
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				accepted, err := c.StartRun(ctx, api.StartRunRequest{
					SourceRef: sourceRef,
					Target:    target,
					Params:    parsed,
				})
				if err != nil {
					return err
				}
				if !wait {
					if viper.GetBool("json") {
						return printJSON(accepted)
					}
					fmt.Fprintf(stdout, "run %s %s for target %s\n", accepted.RunID, accepted.Status, accepted.Target)
					return nil
				}
				run, err := c.WaitRun(ctx, accepted.RunID, interval)
				if err != nil {
					return err
				}
				if err := printRun(run); err != nil {
					return err
				}
				return exitForStatus(run.Status)
			})
		},
	}
	cmd.Flags().StringVar(&sourceRef, "source-ref", "", "source reference to deploy")
	cmd.Flags().StringVar(&target, "target", "", "target name")
	cmd.Flags().StringArrayVar(&params, "param", nil, "run parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval while waiting")
	return cmd
}

func runStatusCmd() *cobra.Command {
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and exit with its status code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				var (
					run api.RunResponse
					err error
				)
				if wait {
					run, err = c.WaitRun(ctx, args[0], interval)
				} else {
					run, err = c.GetRun(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if err := printRun(run); err != nil {
					return err
				}
				return exitForStatus(run.Status)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval while waiting")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				run, err := c.CancelRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Fprintf(stdout, "cancel requested for run %s (status %s)\n", run.ID, run.Status)
				return nil
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var opts client.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				runs, err := c.ListRuns(ctx, opts)
				if err != nil {
					return err
				}
				return printRuns(runs)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Target, "target", "", "filter by target name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum runs to return")
	return cmd
}

func locksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held target locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				locks, err := c.Locks(ctx)
				if err != nil {
					return err
				}
				return printLocks(locks)
			})
		},
	}
}

func withClient(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	c, err := client.New(ctx, client.Config{
		BaseURL:      viper.GetString("server"),
		Token:        viper.GetString("token"),
		TokenURL:     viper.GetString("token-url"),
		ClientID:     viper.GetString("client-id"),
		ClientSecret: viper.GetString("client-secret"),
	})
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

// parseParams turns repeated key=value flags into a map. Later keys win.
func parseParams(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", raw)
		}
		out[key] = value
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
