package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/agentflow"
	"github.com/deepnoodle-ai/agentflow/agents"
	"github.com/deepnoodle-ai/agentflow/config"
	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configFile string
	verbose    bool
	json       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentflow",
		Short:         "Run agent workflows with quotas, routing and durable state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the configuration file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "Print results as JSON")

	root.AddCommand(
		newValidateCommand(),
		newRunCommand(flags),
		newResumeCommand(flags),
		newHistoryCommand(flags),
		newRouteCommand(flags),
	)
	return root
}

// setup loads the configuration and builds the runtime with the built-in
// agents. Metrics are served in the background when configured.
func setup(ctx context.Context, flags *globalFlags) (*config.Runtime, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	rt, err := config.Build(ctx, cfg, os.Stderr, agents.Builtins(&http.Client{Timeout: 2 * time.Minute}))
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, rt, cfg.Metrics.Addr)
	}
	return rt, nil
}

func serveMetrics(ctx context.Context, rt *config.Runtime, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	rt.Logger.Info("metrics server listening", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rt.Logger.Error("metrics server failed", "error", err)
	}
}

// parseInputs parses key=value pairs. Values are parsed as JSON if
// possible, otherwise kept as strings.
func parseInputs(pairs []string) (agentflow.Payload, error) {
	inputs := agentflow.Payload{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid input format %q, use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func showState(state *eventlog.State, runErr error, duration time.Duration, asJSON bool) error {
	if asJSON {
		if err := printJSON(state); err != nil {
			return err
		}
		return runErr
	}

	color.White("Instance %s finished in %v", state.InstanceID, duration.Round(time.Millisecond))
	color.White("Status: %s", state.Status)
	if runErr != nil {
		color.Red("Error: %v", runErr)
	} else {
		color.Green("Workflow completed successfully")
	}
	if len(state.Visits) > 0 {
		color.Magenta("Visits:")
		for node, count := range state.Visits {
			fmt.Printf("  %s: %d\n", node, count)
		}
	}
	if len(state.Payload) > 0 {
		color.Magenta("Payload:")
		for key, value := range state.Payload {
			if data, err := json.Marshal(value); err == nil {
				fmt.Printf("  %s: %s\n", key, data)
			} else {
				fmt.Printf("  %s: %v\n", key, value)
			}
		}
	}
	return runErr
}
