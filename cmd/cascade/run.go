package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/pkg/actions"
	"github.com/cascadehq/cascade/pkg/delay"
	"github.com/cascadehq/cascade/pkg/engine"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/parser"
	"github.com/cascadehq/cascade/pkg/store"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			spec, err := parser.Parse(data)
			if err != nil {
				return err
			}
			fmt.Printf("OK: %s\n", spec)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		inputJSON string
		namespace string
		targets   []string
		timeout   time.Duration
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow in an embedded engine and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			spec, err := parser.Parse(data)
			if err != nil {
				return err
			}

			input := map[string]interface{}{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return errors.Wrap(err, "parse --input")
				}
			}

			logger := observability.NewNoopLogger()
			if verbose {
				logger = observability.NewStandardLoggerWithLevel("cascade", observability.LogLevelDebug)
			}

			st := store.NewMemoryStore()
			defer func() { _ = st.Close() }()

			// Local actions complete synchronously; the engine advances
			// the execution as far as it can before StartWorkflow
			// returns. The delay worker below drives wait, retry and
			// timeout legs.
			runner := actions.NewLocalRunner(logger)
			eng := engine.New(st, runner, engine.NewStoreResolver(st, nil, logger), logger, nil, nil)
			worker := delay.NewWorker(st, eng, delay.Config{Interval: 50 * time.Millisecond}, logger, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			id, err := eng.StartWorkflow(ctx, spec, input, engine.StartOptions{
				Namespace:   namespace,
				TargetTasks: targets,
			})
			if err != nil {
				return err
			}

			for {
				wx, err := eng.GetWorkflowExecution(ctx, id)
				if err != nil {
					return err
				}
				if wx.IsTerminal() {
					return printExecutionResult(wx)
				}
				select {
				case <-ctx.Done():
					return errors.Wrapf(models.ErrTimeout, "execution %s did not finish within %s", id, timeout)
				case <-time.After(50 * time.Millisecond):
					worker.Poll(ctx)
				}
			}
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "workflow input as a JSON object")
	cmd.Flags().StringVar(&namespace, "namespace", "", "workflow namespace")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target task of a reverse workflow (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall run timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity")
	return cmd
}

func printExecutionResult(wx *models.WorkflowExecution) error {
	out, err := json.MarshalIndent(map[string]interface{}{
		"id":         wx.ID,
		"state":      wx.State,
		"state_info": wx.StateInfo,
		"output":     wx.Output,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if wx.State == models.StateError {
		return errors.Errorf("workflow failed: %s", wx.StateInfo)
	}
	return nil
}
