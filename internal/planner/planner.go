// Package planner turns a range request into a concrete machine-by-machine
// plan.
//
// Planning is pure: it reads a catalog snapshot and a random source and
// returns new machine entries. Given a seeded *rand.Rand the result is
// deterministic.
package planner

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/dcrange/dcrange/internal/catalog"
	"github.com/dcrange/dcrange/internal/models"
)

// Stage is one attack stage a machine receives a service for.
type Stage struct {
	Name string
	// ProvidesGivens marks the stage whose service seeds the credentials
	// surfaced to the requester.
	ProvidesGivens bool
}

// Stages are planned in order for every machine.
var Stages = []Stage{
	{Name: "initial-access", ProvidesGivens: true},
	{Name: "privilege-escalation"},
}

// CombinedScenario labels a machine that received services from more than
// one stage.
const CombinedScenario = "combined"

// NewRand returns a PCG-backed random source for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Build produces the plan for a normalized, validated request.
// It fails with *ValidationError when an explicitly requested OS has no
// catalog entries.
func Build(req Request, reg catalog.Registry, rng *rand.Rand) ([]models.MachinePlan, error) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	opts := req.Options
	osList, err := assignOSList(opts.TotalMachines, opts.Composition, reg.AvailableOSes(), rng)
	if err != nil {
		return nil, err
	}

	used := make(map[string]map[string]bool, len(Stages))
	for _, st := range Stages {
		used[st.Name] = map[string]bool{}
	}
	hostnames := map[string]struct{}{}

	plan := make([]models.MachinePlan, 0, len(osList))
	for _, osName := range osList {
		hostname, err := UniqueHostname(rng, hostnames)
		if err != nil {
			return nil, err
		}
		machine := models.MachinePlan{
			Hostname:   hostname,
			OS:         osName,
			SaltStates: []string{},
			Vars:       map[string]map[string]any{},
			IP:         models.IPAwaitingProvisioner,
		}
		var picked []string
		for _, st := range Stages {
			selections := selectionsForStage(req.Scenarios, st.Name)
			svc, ok := pickService(reg, st.Name, selections, osName, opts.Difficulty, used[st.Name], rng)
			if !ok {
				continue
			}
			vars := maps.Clone(svc.Vars)
			if vars == nil {
				vars = map[string]any{}
			}
			for _, sel := range selections {
				if selectionCovers(sel, st.Name, svc.Scenario) {
					maps.Copy(vars, sel.Vars)
				}
			}
			machine.SaltStates = append(machine.SaltStates, svc.Path)
			machine.Vars[svc.Name] = vars
			if st.ProvidesGivens && svc.Givens != nil {
				machine.Givens = maps.Clone(svc.Givens)
			}
			if len(picked) == 0 {
				machine.Scenario = svc.Scenario
			} else {
				machine.Scenario = CombinedScenario
			}
			picked = append(picked, svc.Name)
		}
		machine.Service = strings.Join(picked, "-")
		plan = append(plan, machine)
	}
	return plan, nil
}

// assignOSList resolves explicit OS counts, fills the remainder uniformly
// from the available classes and shuffles the result.
func assignOSList(total int, composition map[string]int, available []string, rng *rand.Rand) ([]string, error) {
	var problems []string
	out := make([]string, 0, total)
	for _, osName := range []string{models.OSLinux, models.OSWindows} {
		n := composition[osName]
		if n > 0 && !slices.Contains(available, osName) {
			problems = append(problems, fmt.Sprintf("%s machines requested but no %s states are available", osName, osName))
			continue
		}
		for i := 0; i < n; i++ {
			out = append(out, osName)
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	explicit := len(out)
	for i := explicit; i < total; i++ {
		if len(available) == 0 {
			return nil, &ValidationError{Problems: []string{"no operating systems have available states"}}
		}
		out = append(out, available[rng.IntN(len(available))])
	}
	for i := len(out) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > total {
		out = out[:total]
	}
	return out, nil
}

// selectionsForStage returns the selections addressing stage, either by bare
// stage name or by a stage/subcategory pair.
func selectionsForStage(selections []models.ScenarioSelection, stage string) []models.ScenarioSelection {
	var out []models.ScenarioSelection
	for _, sel := range selections {
		if sel.Name == stage || strings.HasPrefix(sel.Name, stage+"/") {
			out = append(out, sel)
		}
	}
	return out
}

// selectionSubcategories lists the subcategories a selection narrows to.
// An empty result means the whole stage.
func selectionSubcategories(sel models.ScenarioSelection, stage string) []string {
	var subs []string
	if rest, ok := strings.CutPrefix(sel.Name, stage+"/"); ok && rest != "" {
		sub, _, _ := strings.Cut(rest, "/")
		subs = append(subs, sub)
	}
	return append(subs, sel.Categories...)
}

func selectionCovers(sel models.ScenarioSelection, stage, scenarioKey string) bool {
	subs := selectionSubcategories(sel, stage)
	if len(subs) == 0 {
		return true
	}
	_, sub, _ := strings.Cut(scenarioKey, "/")
	return slices.Contains(subs, sub)
}

// candidateKeys returns the registry scenarios eligible for a stage.
func candidateKeys(reg catalog.Registry, stage string, selections []models.ScenarioSelection) []string {
	var subs []string
	for _, sel := range selections {
		subs = append(subs, selectionSubcategories(sel, stage)...)
	}
	var keys []string
	for _, key := range reg.Keys() {
		if len(subs) == 0 {
			if key == stage || strings.HasPrefix(key, stage+"/") {
				keys = append(keys, key)
			}
			continue
		}
		rest, ok := strings.CutPrefix(key, stage+"/")
		if !ok {
			continue
		}
		sub, _, _ := strings.Cut(rest, "/")
		if slices.Contains(subs, sub) {
			keys = append(keys, key)
		}
	}
	return keys
}

type candidate struct {
	svc    models.ServiceDef
	weight float64
}

// pickService chooses one service for a stage. It returns false when the
// stage has no eligible catalog entries.
func pickService(reg catalog.Registry, stage string, selections []models.ScenarioSelection, osName, difficulty string, used map[string]bool, rng *rand.Rand) (models.ServiceDef, bool) {
	var all []models.ServiceDef
	for _, key := range candidateKeys(reg, stage, selections) {
		for _, svc := range reg.Services(key) {
			if svc.Scenario == "" {
				svc.Scenario = key
			}
			all = append(all, svc)
		}
	}
	if len(all) == 0 {
		return models.ServiceDef{}, false
	}

	var pool []models.ServiceDef
	for _, svc := range all {
		if svc.OS == "" || svc.OS == osName {
			pool = append(pool, svc)
		}
	}
	if len(pool) == 0 {
		pool = all
	}

	var fresh []candidate
	var every []candidate
	for _, svc := range pool {
		c := candidate{svc: svc, weight: svc.Weight(difficulty)}
		every = append(every, c)
		if !used[svc.Path] {
			fresh = append(fresh, c)
		}
	}
	pickFrom := fresh
	if len(pickFrom) == 0 {
		pickFrom = every
	}
	chosen := weightedPick(pickFrom, rng)
	used[chosen.Path] = true
	return chosen, true
}

func weightedPick(items []candidate, rng *rand.Rand) models.ServiceDef {
	if len(items) == 1 {
		return items[0].svc
	}
	total := 0.0
	for _, it := range items {
		total += it.weight
	}
	x := rng.Float64() * total
	for _, it := range items {
		if x < it.weight {
			return it.svc
		}
		x -= it.weight
	}
	return items[len(items)-1].svc
}
