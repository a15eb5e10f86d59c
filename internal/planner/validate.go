package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dcrange/dcrange/internal/models"
)

// DefaultMaxMachines bounds the machine count of one range.
const DefaultMaxMachines = 5

// Request is a range request as accepted by the control surface.
type Request struct {
	Options   models.JobOptions          `json:"options"`
	Scenarios []models.ScenarioSelection `json:"scenarios"`
}

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid request: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid request: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

var validDifficulties = []string{models.DifficultyRandom, models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard}

// Normalize lowercases the difficulty and composition keys and trims
// scenario names. It returns a copy.
func Normalize(req Request) Request {
	out := Request{Options: req.Options}
	out.Options.Difficulty = strings.ToLower(strings.TrimSpace(req.Options.Difficulty))
	if req.Options.Composition != nil {
		out.Options.Composition = make(map[string]int, len(req.Options.Composition))
		for k, v := range req.Options.Composition {
			out.Options.Composition[strings.ToLower(strings.TrimSpace(k))] += v
		}
	}
	if req.Scenarios != nil {
		out.Scenarios = make([]models.ScenarioSelection, len(req.Scenarios))
		for i, s := range req.Scenarios {
			s.Name = strings.Trim(strings.TrimSpace(s.Name), "/")
			cats := make([]string, 0, len(s.Categories))
			for _, c := range s.Categories {
				if c = strings.TrimSpace(c); c != "" {
					cats = append(cats, c)
				}
			}
			s.Categories = cats
			out.Scenarios[i] = s
		}
	}
	return out
}

// Validate checks the shape of a normalized request. It returns nil or a
// *ValidationError listing every problem.
func Validate(req Request, maxMachines int) error {
	if maxMachines <= 0 {
		maxMachines = DefaultMaxMachines
	}
	var problems []string
	opts := req.Options

	valid := false
	for _, d := range validDifficulties {
		if opts.Difficulty == d {
			valid = true
			break
		}
	}
	if !valid {
		problems = append(problems, "options.difficulty must be one of: "+strings.Join(validDifficulties, ", "))
	}

	totalOK := opts.TotalMachines >= 1 && opts.TotalMachines <= maxMachines
	if !totalOK {
		problems = append(problems, fmt.Sprintf("options.amt-machines must be an integer between 1 and %d (inclusive)", maxMachines))
	}

	if opts.Composition != nil {
		keys := make([]string, 0, len(opts.Composition))
		for k := range opts.Composition {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sum := 0
		for _, k := range keys {
			v := opts.Composition[k]
			switch k {
			case models.OSLinux, models.OSWindows, models.OSRandom:
			default:
				problems = append(problems, fmt.Sprintf("options.composition.%s is not a known operating system (linux, windows, random)", k))
			}
			if v < 0 {
				problems = append(problems, fmt.Sprintf("options.composition.%s must not be negative", k))
			}
			sum += v
		}
		if totalOK {
			if _, hasRandom := opts.Composition[models.OSRandom]; hasRandom {
				if sum != opts.TotalMachines {
					problems = append(problems, fmt.Sprintf("composition counts must add up to amt-machines (%d)", opts.TotalMachines))
				}
			} else if sum > opts.TotalMachines {
				problems = append(problems, fmt.Sprintf("composition counts exceed amt-machines (%d)", opts.TotalMachines))
			}
		}
	}

	for i, s := range req.Scenarios {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("scenarios[%d].name is required and must be a non-empty string", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
