package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrange/dcrange/internal/models"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		problems int
		contains string
	}{
		{
			name: "valid random",
			req:  Request{Options: models.JobOptions{Difficulty: "random", TotalMachines: 1}},
		},
		{
			name: "partial composition fills remainder",
			req:  Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 4, Composition: map[string]int{"linux": 1}}},
		},
		{
			name:     "bad difficulty",
			req:      Request{Options: models.JobOptions{Difficulty: "insane", TotalMachines: 1}},
			problems: 1,
			contains: "options.difficulty",
		},
		{
			name:     "too many machines",
			req:      Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 6}},
			problems: 1,
			contains: "between 1 and 5",
		},
		{
			name:     "zero machines",
			req:      Request{Options: models.JobOptions{Difficulty: "easy"}},
			problems: 1,
			contains: "amt-machines",
		},
		{
			name:     "random key requires exact sum",
			req:      Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 3, Composition: map[string]int{"linux": 1, "random": 1}}},
			problems: 1,
			contains: "must add up",
		},
		{
			name:     "explicit counts exceed total",
			req:      Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 2, Composition: map[string]int{"linux": 2, "windows": 1}}},
			problems: 1,
			contains: "exceed",
		},
		{
			name:     "unknown os",
			req:      Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 1, Composition: map[string]int{"macos": 1}}},
			problems: 1,
			contains: "macos",
		},
		{
			name: "every problem reported",
			req: Request{
				Options:   models.JobOptions{Difficulty: "", TotalMachines: 0, Composition: map[string]int{"linux": -1}},
				Scenarios: []models.ScenarioSelection{{Name: ""}},
			},
			problems: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(Normalize(tt.req), DefaultMaxMachines)
			if tt.problems == 0 {
				require.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "err = %v", err)
			assert.Len(t, vErr.Problems, tt.problems, "%v", vErr.Problems)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestValidateHonorsConfiguredMaximum(t *testing.T) {
	req := Normalize(Request{Options: models.JobOptions{Difficulty: "easy", TotalMachines: 8}})
	assert.NoError(t, Validate(req, 10))
	assert.Error(t, Validate(req, 5))
}

func TestNormalize(t *testing.T) {
	req := Normalize(Request{
		Options: models.JobOptions{Difficulty: " HARD ", TotalMachines: 2, Composition: map[string]int{"Linux": 2}},
		Scenarios: []models.ScenarioSelection{
			{Name: " initial-access/websites/ ", Categories: []string{" databases ", ""}},
		},
	})
	assert.Equal(t, "hard", req.Options.Difficulty)
	assert.Equal(t, map[string]int{"linux": 2}, req.Options.Composition)
	assert.Equal(t, "initial-access/websites", req.Scenarios[0].Name)
	assert.Equal(t, []string{"databases"}, req.Scenarios[0].Categories)
}
