package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dcrange/dcrange/internal/buildinfo"
)

const (
	defaultDifficulty   = "random"
	defaultMachineCount = 1
	defaultHistoryLimit = 20
)

func newOrchestrateCmd(opts *globalOptions) *cobra.Command {
	var (
		difficulty  string
		machines    int
		linux       int
		windows     int
		random      int
		scenarios   []string
		requestFile string
	)
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Request a new range",
		Long: `Request a new range. The daemon builds at most one range at a time.

Composition flags set exact per-OS counts; --random fills the remainder with
any OS that has catalog entries. --scenario narrows a stage, e.g.
"initial-access" or "initial-access/databases", and may be repeated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req rangeRequest
			if requestFile != "" {
				loaded, err := readRequestFile(cmd, requestFile)
				if err != nil {
					return err
				}
				req = loaded
			} else {
				req = rangeRequest{Options: rangeOptions{Difficulty: difficulty, TotalMachines: machines}}
				composition := map[string]int{}
				for name, value := range map[string]int{"linux": linux, "windows": windows, "random": random} {
					if cmd.Flags().Changed(name) {
						composition[name] = value
					}
				}
				if len(composition) > 0 {
					req.Options.Composition = composition
				}
				for _, name := range scenarios {
					name = strings.TrimSpace(name)
					if name != "" {
						req.Scenarios = append(req.Scenarios, scenarioSelection{Name: name})
					}
				}
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp stateResponse
			data, err := client.getJSON(cmd.Context(), http.MethodPost, "/orchestrate", req, &resp)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Range %s. Follow progress with `dcrange status`.\n", resp.Status)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&difficulty, "difficulty", defaultDifficulty, "random, easy, medium or hard")
	f.IntVarP(&machines, "machines", "n", defaultMachineCount, "total number of machines")
	f.IntVar(&linux, "linux", 0, "exact number of linux machines")
	f.IntVar(&windows, "windows", 0, "exact number of windows machines")
	f.IntVar(&random, "random", 0, "machines of any available OS")
	f.StringArrayVar(&scenarios, "scenario", nil, "stage or stage/subcategory to draw services from (repeatable)")
	f.StringVarP(&requestFile, "file", "f", "", "read the full JSON request from a file (- for stdin)")
	return cmd
}

func readRequestFile(cmd *cobra.Command, path string) (rangeRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxJSONOutputBytes))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return rangeRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req rangeRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return rangeRequest{}, &usageError{err: fmt.Errorf("parse request %s: %w", path, err)}
	}
	return req, nil
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current range job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var job jobResponse
			data, err := client.getJSON(cmd.Context(), http.MethodGet, "/range/status", nil, &job)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newDestroyCmd(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down the range",
		Long:  "Tear down the range. --force cancels a range that is still being built.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp stateResponse
			data, err := client.getJSON(cmd.Context(), http.MethodPost, "/range/destroy", destroyRequest{Force: force}, &resp)
			if err != nil {
				var reqErr *requestError
				if errors.As(err, &reqErr) && reqErr.Status == http.StatusConflict && !force {
					reqErr.Details = append(reqErr.Details, "retry with --force to cancel the build first")
				}
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Range %s.\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "cancel a queued or building range first")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a queued or building range",
		Long:  "Cancel a queued or building range. Provisioned machines stay until `dcrange destroy`.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp stateResponse
			data, err := client.getJSON(cmd.Context(), http.MethodPost, "/range/cancel", nil, &resp)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Range %s. Run `dcrange destroy` to release its machines.\n", resp.Status)
			return nil
		},
	}
}

func newScenariosCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the scenario catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var stages []stage
			data, err := client.getJSON(cmd.Context(), http.MethodGet, "/scenarios", nil, &stages)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			printScenarios(cmd.OutOrStdout(), stages)
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return &usageError{err: fmt.Errorf("--limit must be positive")}
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp historyResponse
			data, err := client.getJSON(cmd.Context(), http.MethodGet, "/range/history?limit="+strconv.Itoa(limit), nil, &resp)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			printHistory(cmd.OutOrStdout(), resp.Transitions)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "number of transitions to show")
	return cmd
}

func newServerStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server-status",
		Short: "Check that dcranged is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp serverStatusResponse
			data, err := client.getJSON(cmd.Context(), http.MethodGet, "/server-status", nil, &resp)
			if err != nil {
				return err
			}
			if useJSON(cmd, opts) {
				return prettyPrintJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dcranged %s: %s (job %s, up %.0fs)\n", resp.Version, resp.Status, resp.JobStatus, resp.Uptime)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
