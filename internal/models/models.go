// Package models provides data structures and constants for dcrange.
//
// This package contains the core domain models used throughout dcrange:
//   - Job: The single orchestration record tracking a range's lifecycle
//   - MachinePlan: One planned or provisioned machine inside a range
//   - ServiceDef: A service definition loaded from the state catalog
//   - ApplySummary: The per-machine result of a fleet configuration apply
//
// All models are designed for JSON persistence and API serialization.
package models

import (
	"maps"
	"time"
)

// JobStatus represents the current status of the range job.
//
// Job state transitions:
//
//	(idle) → QUEUED → BUILDING → (DEPLOYED|FAILED|CANCELED)
//	any → DESTROYING → (DESTROYED|FAILED)
//
// DEPLOYED, FAILED, CANCELED and DESTROYED still accept further transitions:
// a deployed or failed range can be destroyed, and a failed range can be
// replaced by a new request.
type JobStatus string

const (
	// JobIdle is reported when no job record exists.
	JobIdle JobStatus = "idle"
	// JobQueued is the initial state when a range request has been accepted.
	JobQueued JobStatus = "queued"
	// JobBuilding indicates planning, provisioning or configuration is in progress.
	JobBuilding JobStatus = "building"
	// JobDestroying indicates fleet membership and infrastructure are being torn down.
	JobDestroying JobStatus = "destroying"
	// JobDeployed indicates the range is provisioned and configured.
	JobDeployed JobStatus = "deployed"
	// JobFailed indicates a pipeline phase or destroy failed.
	JobFailed JobStatus = "failed"
	// JobCanceled indicates the job was canceled before it finished building.
	JobCanceled JobStatus = "canceled"
	// JobDestroyed indicates the range was torn down.
	JobDestroyed JobStatus = "destroyed"
)

// Active reports whether a job in this status blocks a new range request.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobBuilding, JobDestroying, JobDeployed:
		return true
	default:
		return false
	}
}

// Difficulty tiers accepted by the planner.
const (
	DifficultyRandom = "random"
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Operating system classes. Composition counts may also use OSRandom.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
	OSRandom  = "random"
)

// IP sentinels recorded on a MachinePlan before or instead of a real address.
const (
	IPAwaitingProvisioner = "<awaiting-provisioner>"
	IPUnavailable         = "<ip-unavailable>"
)

// JobOptions holds the requested shape of the range.
//
// Fields:
//   - Difficulty: One of random, easy, medium, hard
//   - TotalMachines: Number of machines to build
//   - Composition: Optional exact {os: count} targets; the "random" key fills
//     the remainder with any OS that has catalog entries
type JobOptions struct {
	Difficulty    string         `json:"difficulty"`
	TotalMachines int            `json:"amt-machines"`
	Composition   map[string]int `json:"composition,omitempty"`
}

// ScenarioSelection narrows service selection for one attack stage.
//
// Name is a stage ("initial-access") or a stage/subcategory pair
// ("initial-access/databases"). Categories lists additional subcategories.
// Vars override catalog defaults for services picked in that stage.
type ScenarioSelection struct {
	Name       string         `json:"name"`
	Categories []string       `json:"categories,omitempty"`
	Vars       map[string]any `json:"vars,omitempty"`
}

// JobError is the structured failure recorded on a job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// ChunkResult is one state chunk reported by the fleet for a machine.
type ChunkResult struct {
	ID      string         `json:"id"`
	Result  *bool          `json:"result"`
	Changes map[string]any `json:"changes,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

// ApplySummary is the outcome of applying a machine's states.
//
// OK is true only when no chunk failed and the apply call itself did not
// error. Error holds the failure message when the call errored.
type ApplySummary struct {
	Minion  string        `json:"minion"`
	JID     string        `json:"jid,omitempty"`
	OK      bool          `json:"ok"`
	Changed int           `json:"changed"`
	Failed  int           `json:"failed"`
	Chunks  []ChunkResult `json:"chunks,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// MachinePlan describes one machine of a range.
//
// Fields:
//   - Hostname: Unique adjective-noun name within the plan; also the fleet id
//   - OS: Assigned operating system class
//   - Scenario: Catalog scenario (stage/subcategory) or "combined"
//   - Service: Service name, or names joined with "-" for multi-stage machines
//   - SaltStates: Ordered state identifiers applied by the fleet
//   - Vars: Per-service configuration keyed by service name
//   - Givens: Seeded credential material surfaced to the requester
//   - IP: Network address, a sentinel until the provisioner resolves it
//   - Apply: Fleet apply summary once configuration ran
type MachinePlan struct {
	Hostname   string                    `json:"hostname"`
	OS         string                    `json:"os"`
	Scenario   string                    `json:"scenario"`
	Service    string                    `json:"service"`
	SaltStates []string                  `json:"saltStates"`
	Vars       map[string]map[string]any `json:"vars"`
	Givens     map[string]any            `json:"givens"`
	IP         string                    `json:"ip"`
	Apply      *ApplySummary             `json:"apply,omitempty"`
}

// Job is the single orchestration record.
//
// Fields:
//   - ID: Unique identifier of this range request
//   - Status: Current job status
//   - Progress: Human-readable label of the current step
//   - Options: Requested difficulty, machine count and composition
//   - Scenarios: Requested stage selections (empty means random)
//   - Machines: The plan, filled in progressively
//   - Error: Failure record, nil unless the job failed
type Job struct {
	ID        string              `json:"id"`
	Status    JobStatus           `json:"status"`
	Progress  string              `json:"progress"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
	Options   JobOptions          `json:"options"`
	Scenarios []ScenarioSelection `json:"scenarios"`
	Machines  []MachinePlan       `json:"machines"`
	Error     *JobError           `json:"error"`
}

// Clone returns a deep copy of the job so callers never share mutable state.
func (j Job) Clone() Job {
	out := j
	out.Options.Composition = maps.Clone(j.Options.Composition)
	if j.Scenarios != nil {
		out.Scenarios = make([]ScenarioSelection, len(j.Scenarios))
		for i, s := range j.Scenarios {
			s.Categories = append([]string(nil), s.Categories...)
			s.Vars = cloneAnyMap(s.Vars)
			out.Scenarios[i] = s
		}
	}
	out.Machines = CloneMachines(j.Machines)
	if j.Error != nil {
		errCopy := *j.Error
		out.Error = &errCopy
	}
	return out
}

// CloneMachines deep-copies a plan.
func CloneMachines(in []MachinePlan) []MachinePlan {
	if in == nil {
		return nil
	}
	out := make([]MachinePlan, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Clone returns a deep copy of the machine entry.
func (m MachinePlan) Clone() MachinePlan {
	out := m
	out.SaltStates = append([]string(nil), m.SaltStates...)
	if m.Vars != nil {
		out.Vars = make(map[string]map[string]any, len(m.Vars))
		for k, v := range m.Vars {
			out.Vars[k] = cloneAnyMap(v)
		}
	}
	out.Givens = cloneAnyMap(m.Givens)
	if m.Apply != nil {
		summary := *m.Apply
		summary.Chunks = append([]ChunkResult(nil), m.Apply.Chunks...)
		out.Apply = &summary
	}
	return out
}

// ServiceDef is one entry of the state catalog.
//
// Fields:
//   - Name: Service directory name
//   - Path: Salt state identifier (stage/subcategory/name)
//   - Scenario: Owning scenario key (stage/subcategory)
//   - OS: Target OS class; empty means OS-agnostic
//   - Difficulty: easy, medium or hard; empty means untagged
//   - Vars: Default configuration variables
//   - Givens: Optional credential template surfaced to the requester
type ServiceDef struct {
	Name       string         `json:"name"`
	Path       string         `json:"fullPath"`
	Scenario   string         `json:"scenario"`
	OS         string         `json:"os,omitempty"`
	Difficulty string         `json:"difficulty,omitempty"`
	Vars       map[string]any `json:"vars"`
	Givens     map[string]any `json:"givens"`
}

// difficultyWeights maps a requested tier to the selection weight of each
// candidate difficulty. The random tier is unbiased.
var difficultyWeights = map[string]map[string]float64{
	DifficultyRandom: {DifficultyEasy: 1, DifficultyMedium: 1, DifficultyHard: 1},
	DifficultyEasy:   {DifficultyEasy: 7, DifficultyMedium: 2.5, DifficultyHard: 0.5},
	DifficultyMedium: {DifficultyEasy: 2, DifficultyMedium: 6, DifficultyHard: 2},
	DifficultyHard:   {DifficultyEasy: 0.5, DifficultyMedium: 3, DifficultyHard: 6.5},
}

// Weight returns the selection weight of the service for a requested tier.
// Unknown tiers fall back to random; untagged services weigh 1.
func (s ServiceDef) Weight(tier string) float64 {
	table, ok := difficultyWeights[tier]
	if !ok {
		table = difficultyWeights[DifficultyRandom]
	}
	if w, ok := table[s.Difficulty]; ok {
		return w
	}
	return 1
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(typed)
		case []any:
			out[k] = append([]any(nil), typed...)
		default:
			out[k] = v
		}
	}
	return out
}
