package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcrange/dcrange/internal/buildinfo"
)

const (
	envAddr  = "DCRANGE_ADDR"
	envToken = "DCRANGE_TOKEN"

	exitError    = 1
	exitUsage    = 2
	exitConflict = 3
)

type globalOptions struct {
	addr       string
	token      string
	tokenFile  string
	jsonOutput bool
	timeout    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "dcrange: %v\n", err)
	if reqErr, ok := asRequestError(err); ok && reqErr.Status == http.StatusConflict {
		return exitConflict
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	return exitError
}

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "dcrange",
		Short:         "dcrange controls a dcranged training range orchestrator",
		Long:          "dcrange requests, inspects and tears down ephemeral training ranges built by dcranged.",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", envOr(envAddr, defaultAddr), "dcranged address (env "+envAddr+")")
	flags.StringVar(&opts.token, "token", os.Getenv(envToken), "control token (env "+envToken+")")
	flags.StringVar(&opts.tokenFile, "token-file", "", "read the control token from a file")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output json")
	flags.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")

	root.AddCommand(
		newOrchestrateCmd(opts),
		newStatusCmd(opts),
		newDestroyCmd(opts),
		newCancelCmd(opts),
		newScenariosCmd(opts),
		newHistoryCmd(opts),
		newServerStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

// client builds the API client from the global flags.
func (o *globalOptions) client() (*apiClient, error) {
	token := o.token
	if path := strings.TrimSpace(o.tokenFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	return newAPIClient(o.addr, token, o.timeout), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
