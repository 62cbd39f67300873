package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/pkg/models"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call performs one API request and maps HTTP statuses back onto the CLI's
// error kinds so exit codes stay consistent with embedded runs.
func call(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return data, nil
	}

	reason := string(data)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		reason = payload.Error
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, errors.Wrap(models.ErrNotFound, reason)
	case http.StatusBadRequest:
		return nil, errors.Wrap(models.ErrInvalidModel, reason)
	case http.StatusConflict:
		return nil, errors.Wrap(models.ErrInvalidStateTransition, reason)
	default:
		return nil, errors.Errorf("server returned %d: %s", resp.StatusCode, reason)
	}
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodGet, "/api/v1/executions/"+args[0], nil)
			if err != nil {
				return err
			}
			printJSON(data)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <execution-id>",
		Short: "Stop a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/api/v1/executions/"+args[0]+"/stop", nil)
			return err
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a stopped execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/api/v1/executions/"+args[0]+"/resume", nil)
			return err
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/api/v1/executions/"+args[0]+"/cancel", nil)
			return err
		},
	}
}

func newRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <execution-id> <task-name>",
		Short: "Rerun a terminal task of an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/api/v1/executions/"+args[0]+"/rerun",
				map[string]string{"task": args[1]})
			return err
		},
	}
}
