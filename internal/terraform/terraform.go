// Package terraform drives the terraform CLI that creates and destroys
// range machines. Every call runs against one working directory with -chdir.
package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/shell"
)

// ErrInfraConflict is returned when terraform reports that a resource it
// tried to create already exists. It marks a failure that a state wipe and
// retry can clear.
var ErrInfraConflict = errors.New("infrastructure conflict")

var conflictSignatures = []string{
	"already exists",
	"config file already exists",
}

const (
	stateFile       = "terraform.tfstate"
	stateBackupFile = "terraform.tfstate.backup"
)

// Provisioner runs terraform init/apply/output/destroy.
type Provisioner struct {
	Path           string              // terraform binary (defaults to "terraform")
	Dir            string              // terraform working directory
	VarsDir        string              // directory for generated var files (defaults to os.TempDir)
	Runner         shell.CommandRunner // defaults to shell.ExecRunner
	CommandTimeout time.Duration       // per-invocation timeout, zero for none
	Logger         *log.Logger
}

// DestroyOptions tunes Destroy.
type DestroyOptions struct {
	// ForceCleanup deletes the local state files and re-initializes instead
	// of running terraform destroy. It is a recovery path only.
	ForceCleanup bool
}

type machineVar struct {
	Name string `json:"name"`
	OS   string `json:"os,omitempty"`
}

type varsFile struct {
	Machines []machineVar `json:"machines"`
}

type outputValue struct {
	Value json.RawMessage `json:"value"`
}

// Apply provisions plan and returns a copy with resolved addresses. Machines
// missing from the ips output get models.IPUnavailable.
func (p *Provisioner) Apply(ctx context.Context, plan []models.MachinePlan) ([]models.MachinePlan, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	varsPath, cleanup, err := p.writeVars(plan)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := p.run(ctx, "init", "-input=false"); err != nil {
		return nil, fmt.Errorf("terraform init: %w", err)
	}
	if _, err := p.run(ctx, "apply", "-auto-approve", "-input=false", "-var-file", varsPath); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", classify(err))
	}
	out, err := p.run(ctx, "output", "-json")
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}
	ips, err := ParseIPs(out)
	if err != nil {
		return nil, err
	}
	merged := models.CloneMachines(plan)
	for i := range merged {
		ip := strings.TrimSpace(ips[merged[i].Hostname])
		if ip == "" {
			p.logger().Printf("terraform: no address for %s", merged[i].Hostname)
			ip = models.IPUnavailable
		}
		merged[i].IP = ip
	}
	return merged, nil
}

// Destroy tears down the machines terraform manages. plan may be empty, in
// which case no var file is passed.
func (p *Provisioner) Destroy(ctx context.Context, plan []models.MachinePlan, opts DestroyOptions) error {
	if err := p.validate(); err != nil {
		return err
	}
	if _, err := p.run(ctx, "init", "-input=false", "-upgrade"); err != nil {
		return fmt.Errorf("terraform init: %w", err)
	}

	if opts.ForceCleanup {
		p.logger().Printf("terraform: force cleanup, removing local state in %s", p.Dir)
		for _, name := range []string{stateFile, stateBackupFile} {
			if err := os.Remove(filepath.Join(p.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger().Printf("terraform: remove %s: %v", name, err)
			}
		}
		if _, err := p.run(ctx, "init", "-input=false", "-reconfigure"); err != nil {
			return fmt.Errorf("terraform reinit: %w", err)
		}
		return nil
	}

	args := []string{"destroy", "-auto-approve", "-input=false"}
	if len(plan) > 0 {
		varsPath, cleanup, err := p.writeVars(plan)
		if err != nil {
			return err
		}
		defer cleanup()
		args = append(args, "-var-file", varsPath)
	}
	if _, err := p.run(ctx, args...); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

// ParseIPs extracts the hostname to address map from `terraform output -json`.
func ParseIPs(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	var outputs map[string]outputValue
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, fmt.Errorf("parse terraform output: %w", err)
	}
	ipsOut, ok := outputs["ips"]
	if !ok || len(ipsOut.Value) == 0 || string(ipsOut.Value) == "null" {
		return map[string]string{}, nil
	}
	var ips map[string]string
	if err := json.Unmarshal(ipsOut.Value, &ips); err != nil {
		return nil, fmt.Errorf("parse terraform ips output: %w", err)
	}
	return ips, nil
}

// IsInfraConflict reports whether err is a terraform resource conflict.
func IsInfraConflict(err error) bool {
	return errors.Is(err, ErrInfraConflict)
}

func classify(err error) error {
	text := err.Error()
	if cmdErr, ok := shell.AsCommandError(err); ok {
		text = cmdErr.Output()
	}
	lower := strings.ToLower(text)
	for _, sig := range conflictSignatures {
		if strings.Contains(lower, sig) {
			return fmt.Errorf("%w: %w", ErrInfraConflict, err)
		}
	}
	return err
}

func (p *Provisioner) writeVars(plan []models.MachinePlan) (string, func(), error) {
	vars := varsFile{Machines: make([]machineVar, 0, len(plan))}
	for _, m := range plan {
		vars.Machines = append(vars.Machines, machineVar{Name: m.Hostname, OS: m.OS})
	}
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("marshal terraform vars: %w", err)
	}
	dir := p.VarsDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "tfvars-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("create terraform vars file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write terraform vars file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close terraform vars file: %w", err)
	}
	return path, cleanup, nil
}

func (p *Provisioner) run(ctx context.Context, args ...string) (string, error) {
	if p.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.CommandTimeout)
		defer cancel()
	}
	full := append([]string{"-chdir=" + p.Dir}, args...)
	return p.runner().Run(ctx, p.binary(), full...)
}

func (p *Provisioner) validate() error {
	if p == nil {
		return errors.New("terraform provisioner is nil")
	}
	if strings.TrimSpace(p.Dir) == "" {
		return errors.New("terraform working directory is required")
	}
	return nil
}

func (p *Provisioner) binary() string {
	if p.Path != "" {
		return p.Path
	}
	return "terraform"
}

func (p *Provisioner) runner() shell.CommandRunner {
	if p.Runner != nil {
		return p.Runner
	}
	return shell.ExecRunner{}
}

func (p *Provisioner) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}
