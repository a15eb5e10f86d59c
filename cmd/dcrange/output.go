package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// useJSON reports whether output should be JSON: when asked for, or when
// stdout is not a terminal.
func useJSON(cmd *cobra.Command, opts *globalOptions) bool {
	if opts.jsonOutput {
		return true
	}
	return !isTerminal(cmd.OutOrStdout())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// prettyPrintJSON formats JSON data with indentation and writes it to w.
func prettyPrintJSON(w io.Writer, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(data), "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

func printJob(w io.Writer, job jobResponse) {
	if job.ID == "" {
		fmt.Fprintf(w, "Status: %s\n", job.Status)
		return
	}
	fmt.Fprintf(w, "Job ID: %s\n", job.ID)
	fmt.Fprintf(w, "Status: %s\n", job.Status)
	fmt.Fprintf(w, "Progress: %s\n", orDash(job.Progress))
	fmt.Fprintf(w, "Difficulty: %s\n", orDash(job.Options.Difficulty))
	fmt.Fprintf(w, "Machines: %d\n", job.Options.TotalMachines)
	if !job.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created: %s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	}
	if !job.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated: %s\n", job.UpdatedAt.UTC().Format(time.RFC3339))
	}
	if job.Error != nil {
		fmt.Fprintf(w, "Error: [%s] %s\n", job.Error.Code, job.Error.Message)
	}
	if len(job.Machines) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tOS\tIP\tSCENARIO\tSERVICE\tAPPLY")
	for _, m := range job.Machines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.Hostname, m.OS, orDash(m.IP), orDash(m.Scenario), orDash(m.Service), applyState(m.Apply))
	}
	_ = tw.Flush()

	var givens []string
	for _, m := range job.Machines {
		if len(m.Givens) == 0 {
			continue
		}
		keys := make([]string, 0, len(m.Givens))
		for k := range m.Givens {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, m.Givens[k]))
		}
		givens = append(givens, fmt.Sprintf("  %s: %s", m.Hostname, strings.Join(parts, " ")))
	}
	if len(givens) > 0 {
		fmt.Fprintln(w, "\nGivens:")
		for _, line := range givens {
			fmt.Fprintln(w, line)
		}
	}
}

func applyState(summary *applySummary) string {
	switch {
	case summary == nil:
		return "-"
	case summary.OK:
		return fmt.Sprintf("ok (%d changed)", summary.Changed)
	case summary.Error != "":
		return "error: " + summary.Error
	default:
		return fmt.Sprintf("failed (%d failed)", summary.Failed)
	}
}

func printScenarios(w io.Writer, stages []stage) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSUBCATEGORY\tSERVICE\tOS\tDIFFICULTY")
	for _, st := range stages {
		for _, sub := range st.Subcategories {
			for _, sc := range sub.Scenarios {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Stage, sub.Name, sc.Name, orDash(sc.OS), orDash(sc.Difficulty))
			}
		}
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, transitions []transition) {
	if len(transitions) == 0 {
		fmt.Fprintln(w, "No transitions recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tJOB\tSTATUS\tPROGRESS\tERROR")
	for _, tr := range transitions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", tr.At.UTC().Format(time.RFC3339), tr.JobID, tr.Status, orDash(tr.Progress), orDash(tr.ErrorCode))
	}
	_ = tw.Flush()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
