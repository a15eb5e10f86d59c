package catalog

import (
	"strings"

	"github.com/dcrange/dcrange/internal/models"
)

// Stage groups the catalog's subcategories under one attack stage.
type Stage struct {
	Stage         string        `json:"stage"`
	DisplayName   string        `json:"displayName"`
	Subcategories []Subcategory `json:"subcategories"`
}

// Subcategory lists the services of one stage/subcategory scenario.
type Subcategory struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Scenarios   []ScenarioEntry `json:"scenarios"`
}

// ScenarioEntry is the public view of one service.
type ScenarioEntry struct {
	Name       string         `json:"name"`
	FullPath   string         `json:"fullPath"`
	OS         string         `json:"os"`
	Difficulty string         `json:"difficulty"`
	Vars       map[string]any `json:"vars"`
	Givens     map[string]any `json:"givens"`
}

// Tree groups the registry by stage and subcategory for browsing.
// Two-level scenarios appear as a stage with a single subcategory of the
// same name.
func (r Registry) Tree() []Stage {
	stages := []Stage{}
	index := map[string]int{}
	for _, key := range r.Keys() {
		stageName, sub, found := strings.Cut(key, "/")
		if !found {
			sub = stageName
		}
		pos, ok := index[stageName]
		if !ok {
			stages = append(stages, Stage{Stage: stageName, DisplayName: displayName(stageName)})
			pos = len(stages) - 1
			index[stageName] = pos
		}
		entry := Subcategory{Name: sub, DisplayName: displayName(sub)}
		for _, svc := range r[key] {
			entry.Scenarios = append(entry.Scenarios, scenarioEntry(svc))
		}
		if len(entry.Scenarios) == 0 {
			continue
		}
		stages[pos].Subcategories = append(stages[pos].Subcategories, entry)
	}
	return stages
}

func scenarioEntry(svc models.ServiceDef) ScenarioEntry {
	entry := ScenarioEntry{
		Name:       svc.Name,
		FullPath:   svc.Path,
		OS:         svc.OS,
		Difficulty: svc.Difficulty,
		Vars:       svc.Vars,
		Givens:     svc.Givens,
	}
	if entry.OS == "" {
		entry.OS = "unknown"
	}
	if entry.Difficulty == "" {
		entry.Difficulty = models.DifficultyMedium
	}
	if entry.Vars == nil {
		entry.Vars = map[string]any{}
	}
	return entry
}

// displayName turns "initial-access" into "Initial Access".
func displayName(name string) string {
	words := strings.Split(name, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
