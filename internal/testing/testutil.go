// Package testing provides shared test utilities and helper functions for dcrange.
//
// Key utilities:
//   - Model factories: NewTestJob, NewTestMachine
//   - Catalog fixtures: WriteCatalog, DefaultCatalog
//   - Fakes: MockRunner (scripted shell.CommandRunner), FakeClock
//   - Helpers: TempFile, OpenTestDB, AssertJSONEqual
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dcrange/dcrange/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestJobID    = "job-test-1"
	TestHostname = "silver-falcon"
	TestHostAlt  = "crimson-otter"
	TestIP       = "10.20.0.11"
	TestIPAlt    = "10.20.0.12"
)

// AssertJSONEqual asserts that two values are semantically equal as JSON.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// JobOpts holds optional parameters for creating test jobs.
type JobOpts struct {
	ID         string
	Status     models.JobStatus
	Progress   string
	Difficulty string
	Total      int
	Machines   []models.MachinePlan
	Error      *models.JobError
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewTestJob creates a test job with default values, applying optional overrides.
//
// Example:
//
//	job := NewTestJob(testing.JobOpts{Status: models.JobDeployed})
func NewTestJob(opts JobOpts) models.Job {
	if opts.ID == "" {
		opts.ID = TestJobID
	}
	if opts.Status == "" {
		opts.Status = models.JobQueued
	}
	if opts.Difficulty == "" {
		opts.Difficulty = models.DifficultyMedium
	}
	if opts.Total == 0 {
		opts.Total = len(opts.Machines)
		if opts.Total == 0 {
			opts.Total = 1
		}
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = opts.CreatedAt
	}
	return models.Job{
		ID:        opts.ID,
		Status:    opts.Status,
		Progress:  opts.Progress,
		CreatedAt: opts.CreatedAt,
		UpdatedAt: opts.UpdatedAt,
		Options: models.JobOptions{
			Difficulty:    opts.Difficulty,
			TotalMachines: opts.Total,
		},
		Machines: opts.Machines,
		Error:    opts.Error,
	}
}

// MachineOpts holds optional parameters for creating test machines.
type MachineOpts struct {
	Hostname   string
	OS         string
	IP         string
	SaltStates []string
	Givens     map[string]any
}

// NewTestMachine creates a planned machine with one initial-access state.
func NewTestMachine(opts MachineOpts) models.MachinePlan {
	if opts.Hostname == "" {
		opts.Hostname = TestHostname
	}
	if opts.OS == "" {
		opts.OS = models.OSLinux
	}
	if opts.IP == "" {
		opts.IP = models.IPAwaitingProvisioner
	}
	if opts.SaltStates == nil {
		opts.SaltStates = []string{"initial-access/websites/wordpress"}
	}
	return models.MachinePlan{
		Hostname:   opts.Hostname,
		OS:         opts.OS,
		Scenario:   "initial-access/websites",
		Service:    "wordpress",
		SaltStates: opts.SaltStates,
		Vars:       map[string]map[string]any{"wordpress": {"port": 80}},
		Givens:     opts.Givens,
		IP:         opts.IP,
	}
}

// ============================================================================
// Catalog Fixtures
// ============================================================================

// CatalogEntry describes one service written by WriteCatalog.
type CatalogEntry struct {
	Path       string // stage/subcategory/service
	OS         string
	Difficulty string
	Vars       map[string]any
	Givens     map[string]any
}

// WriteCatalog lays entries out as path/service.yaml under root.
func WriteCatalog(t *testing.T, root string, entries []CatalogEntry) {
	t.Helper()
	for _, e := range entries {
		dir := filepath.Join(root, filepath.FromSlash(e.Path))
		require.NoError(t, os.MkdirAll(dir, 0o755), "failed to create catalog dir")
		doc := map[string]any{}
		if e.OS != "" {
			doc["os"] = e.OS
		}
		if e.Difficulty != "" {
			doc["difficulty"] = e.Difficulty
		}
		if e.Vars != nil {
			doc["vars"] = e.Vars
		}
		if e.Givens != nil {
			doc["givens"] = e.Givens
		}
		data, err := yaml.Marshal(doc)
		require.NoError(t, err, "failed to marshal service.yaml")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "service.yaml"), data, 0o600), "failed to write service.yaml")
	}
}

// DefaultCatalog has linux and windows services in both stages.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{Path: "initial-access/websites/wordpress", OS: models.OSLinux, Difficulty: models.DifficultyEasy, Vars: map[string]any{"port": 80}, Givens: map[string]any{"username": "admin"}},
		{Path: "initial-access/databases/default-database", OS: models.OSLinux, Difficulty: models.DifficultyMedium, Vars: map[string]any{"db_user": "root"}, Givens: map[string]any{"username": "root", "password": "toor"}},
		{Path: "initial-access/remote-access/weak-rdp", OS: models.OSWindows, Difficulty: models.DifficultyMedium, Vars: map[string]any{"user": "guest"}, Givens: map[string]any{"username": "guest"}},
		{Path: "privilege-escalation/binaries/suid-find", OS: models.OSLinux, Difficulty: models.DifficultyHard},
		{Path: "privilege-escalation/services/unquoted-path", OS: models.OSWindows, Difficulty: models.DifficultyMedium},
	}
}

// ============================================================================
// Database Test Helpers
// ============================================================================

// OpenTestDB opens a test SQLite database in a temporary directory.
// The database is automatically closed when the test completes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// RequireRowCount asserts the count returned by a COUNT(*) query.
func RequireRowCount(t *testing.T, db *sql.DB, expected int, query string, args ...any) {
	t.Helper()
	var count int
	require.NoError(t, db.QueryRow(query, args...).Scan(&count), "failed to query rows")
	require.Equal(t, expected, count, "row count mismatch")
}
