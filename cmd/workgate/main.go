// Command workgate runs the job-coordination gateway and offers client
// verbs against a running instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docstream/workgate/pkg/config"
	"github.com/docstream/workgate/pkg/gateway"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var configFile string
	var address string

	root := &cobra.Command{
		Use:           "workgate",
		Short:         "Job-coordination gateway for discovered worker fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&address, "address", "localhost:52000", "gateway control address")

	root.AddCommand(
		buildServeCommand(&configFile),
		buildSubmitCommand(&address),
		buildStatusCommand(&address),
		buildCancelCommand(&address),
		buildListCommand(&address),
		buildNodesCommand(&address),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildServeCommand(configFile *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			var opts []gateway.Option
			if dryRun {
				opts = append(opts, gateway.WithDryRun())
			}
			gw, err := gateway.New(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate traffic without admitting jobs")
	return cmd
}

func withClient(address string, fn func(ctx context.Context, c *gateway.Client) error) error {
	client, err := gateway.DialClient(address)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func buildSubmitCommand(address *string) *cobra.Command {
	req := &gateway.SubmitRequest{}
	var data string
	var startAfter string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(_ *cobra.Command, _ []string) error {
			req.Data = []byte(data)
			ts := time.Now()
			if startAfter != "" {
				parsed, err := time.Parse(time.RFC3339, startAfter)
				if err != nil {
					return fmt.Errorf("parse --start-after: %w", err)
				}
				ts = parsed
			}
			req.StartAfter = &ts
			return withClient(*address, func(ctx context.Context, c *gateway.Client) error {
				resp, err := c.Submit(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "job name")
	cmd.Flags().StringVar(&req.Executor, "executor", "", "target executor")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "scheduling priority")
	cmd.Flags().IntVar(&req.RetryLimit, "retry-limit", 0, "retry budget")
	cmd.Flags().IntVar(&req.RetryDelay, "retry-delay", 0, "seconds between retries")
	cmd.Flags().BoolVar(&req.RetryBackoff, "retry-backoff", false, "double the delay per attempt")
	cmd.Flags().IntVar(&req.ExpireInSeconds, "expire-in", 0, "per-attempt execution budget in seconds")
	cmd.Flags().StringVar(&startAfter, "start-after", "", "earliest start time (RFC 3339, defaults to now)")
	cmd.Flags().StringVar(&req.UniqueKey, "unique-key", "", "deduplication key")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("executor")
	return cmd
}

func buildStatusCommand(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(*address, func(ctx context.Context, c *gateway.Client) error {
				resp, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(resp.Job)
			})
		},
	}
}

func buildCancelCommand(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(*address, func(ctx context.Context, c *gateway.Client) error {
				resp, err := c.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(resp.Job)
			})
		},
	}
}

func buildListCommand(address *string) *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(*address, func(ctx context.Context, c *gateway.Client) error {
				resp, err := c.List(ctx, state, limit)
				if err != nil {
					return err
				}
				return printJSON(resp.Jobs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (created, active, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return")
	return cmd
}

func buildNodesCommand(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Show the discovered worker topology",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(*address, func(ctx context.Context, c *gateway.Client) error {
				resp, err := c.ListNodes(ctx)
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
}
