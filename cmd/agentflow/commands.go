package main

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/agentflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>...",
		Short: "Check workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				def, err := agentflow.LoadFile(path)
				if err != nil {
					color.Red("%s: %v", path, err)
					failed++
					continue
				}
				color.Green("%s: %s is valid (%d nodes, %d edges)", path, def.Name(), len(def.Nodes()), len(def.Edges()))
				if def.Description() != "" {
					color.White("  %s", def.Description())
				}
				for _, edge := range def.Edges() {
					line := fmt.Sprintf("  %s -> %s", edge.From, edge.To)
					if edge.Condition != "" {
						line += fmt.Sprintf(" when %s", edge.Condition)
					}
					if edge.Bounded() {
						line += fmt.Sprintf(" (max %d)", edge.MaxIterations)
					}
					fmt.Println(line)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		file     string
		workflow string
		inputs   []string
		timeout  time.Duration
		k        int
	)
	cmd := &cobra.Command{
		Use:   "run [task text]",
		Short: "Run a workflow file, or route a task to a registered workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if file == "" && len(args) == 0 {
				return fmt.Errorf("either --file or task text is required")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			rt, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			var h *agentflow.Handle
			if file != "" {
				def, err := agentflow.LoadFile(file)
				if err != nil {
					return err
				}
				def = rt.Registry.Register(def)
				if len(args) == 1 {
					payload["task"] = args[0]
				}
				color.Blue("Workflow: %s (version %d)", def.Name(), def.Version())
				h, err = rt.Executor.Submit(ctx, def, payload)
				if err != nil {
					return err
				}
			} else {
				handle, routing, err := rt.Engine.Accept(ctx, agentflow.Task{
					Text:     args[0],
					Workflow: workflow,
					Payload:  payload,
					K:        k,
				})
				if err != nil {
					return err
				}
				h = handle
				if !flags.json {
					color.Cyan("Intent: %s  Domain: %s", routing.Profile.Intent, routing.Profile.Domain)
					color.Cyan("Tools: %v", routing.Tools.Names())
					color.Blue("Workflow: %s (version %d)", h.Definition, h.Version)
				}
			}

			if !flags.json {
				color.Green("Started instance %s", h.ID)
			}
			state, runErr := rt.Executor.Await(ctx, h)
			if state == nil {
				return runErr
			}
			return showState(state, runErr, time.Since(h.StartedAt), flags.json)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a workflow definition file")
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "Registered workflow to run instead of routing")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input value in key=value format (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Overall timeout (e.g. 30s, 5m)")
	cmd.Flags().IntVarP(&k, "tools", "k", 0, "Number of tools to select")
	return cmd
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Continue an interrupted instance from its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			if file != "" {
				def, err := agentflow.LoadFile(file)
				if err != nil {
					return err
				}
				rt.Registry.Register(def)
			}
			state, err := rt.Manager.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			def, err := rt.Registry.GetVersion(state.Definition, state.Version)
			if err != nil {
				if def, err = rt.Registry.Get(state.Definition); err != nil {
					return err
				}
				color.Yellow("Definition %s version %d not registered, resuming with version %d",
					state.Definition, state.Version, def.Version())
			}

			h, err := rt.Executor.Resume(ctx, def, state.InstanceID)
			if err != nil {
				return err
			}
			color.Green("Resumed instance %s at node %s", h.ID, state.CurrentNode)
			final, runErr := rt.Executor.Await(ctx, h)
			if final == nil {
				return runErr
			}
			return showState(final, runErr, time.Since(h.StartedAt), flags.json)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the instance's workflow definition file")
	return cmd
}

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history [instance-id]",
		Short: "List instances, or show the events of one instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 0 {
				ids, err := rt.Manager.Instances(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(ids)
				}
				for _, id := range ids {
					state, err := rt.Manager.GetState(ctx, id)
					if err != nil {
						color.Red("%s: %v", id, err)
						continue
					}
					fmt.Printf("%s  %-10s %s v%d\n", id, state.Status, state.Definition, state.Version)
				}
				return nil
			}

			events, err := rt.Manager.History(ctx, args[0])
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(events)
			}
			for _, e := range events {
				fmt.Printf("%4d  %s  %-18s %v\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Payload)
			}
			return nil
		},
	}
}

func newRouteCommand(flags *globalFlags) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "route <task text>",
		Short: "Show the context profile, tools and knowledge chosen for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			routing := rt.Router.Route(args[0], k)
			if flags.json {
				return printJSON(routing)
			}
			p := routing.Profile
			color.Cyan("Intent: %s (%.2f)", p.Intent, p.Confidence)
			color.Cyan("Domain: %s", p.Domain)
			if len(p.Entities) > 0 {
				color.Magenta("Entities:")
				for _, e := range p.Entities {
					fmt.Printf("  %s: %s\n", e.Type, e.Value)
				}
			}
			color.Magenta("Tools:")
			for _, t := range routing.Tools.Tools {
				fmt.Printf("  %-20s %.3f\n", t.Name, t.Score)
			}
			if routing.Tools.Fallback {
				color.Yellow("  (fallback tool set)")
			}
			color.Magenta("Knowledge:")
			for _, s := range routing.Knowledge.Sources {
				fmt.Printf("  %-20s %.3f\n", s.ID, s.Score)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "tools", "k", 0, "Number of tools to select")
	return cmd
}
