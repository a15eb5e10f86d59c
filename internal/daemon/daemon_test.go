package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrange/dcrange/internal/config"
	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/store"
	testutil "github.com/dcrange/dcrange/internal/testing"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	temp := t.TempDir()
	catalogDir := filepath.Join(temp, "scenarios")
	testutil.WriteCatalog(t, catalogDir, testutil.DefaultCatalog())

	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(temp, "config.yaml")
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = filepath.Join(temp, "data")
	cfg.StatePath = filepath.Join(cfg.DataDir, "current-job.json")
	cfg.DBPath = filepath.Join(cfg.DataDir, "dcrange.db")
	cfg.CatalogDir = catalogDir
	cfg.TerraformDir = filepath.Join(temp, "terraform")
	return cfg
}

type runningService struct {
	svc    *Service
	cancel context.CancelFunc
	done   chan error
}

func startService(t *testing.T, cfg config.Config, repo store.JobRepository) *runningService {
	t.Helper()
	svc, err := NewService(cfg, repo)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningService{svc: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { rs.done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rs.done:
		case <-time.After(10 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	return rs
}

func (rs *runningService) get(t *testing.T, path string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+rs.svc.Addr()+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestNewServiceRequiresRepository(t *testing.T) {
	_, err := NewService(testConfig(t), nil)
	require.Error(t, err)
}

func TestServiceServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	rs := startService(t, cfg, &memRepo{})

	resp, body := rs.get(t, "/server-status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status V1ServerStatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "idle", status.JobStatus)

	resp, _ = rs.get(t, "/scenarios", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rs.cancel()
	select {
	case err := <-rs.done:
		assert.NoError(t, err)
		rs.done <- err
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceEnforcesAuthWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthToken = "range-secret-token"
	rs := startService(t, cfg, &memRepo{})

	resp, _ := rs.get(t, "/range/status", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := rs.get(t, "/range/status", map[string]string{TokenHeader: "range-secret-token"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"idle"}`, string(body))

	resp, _ = rs.get(t, "/server-status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsListen = "127.0.0.1:0"
	rs := startService(t, cfg, &memRepo{})
	require.NotNil(t, rs.svc.metricsListener)

	resp, err := http.Get("http://" + rs.svc.metricsListener.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "dcrange_store_persist_errors_total"))
}

func TestServiceRecoversDestroyOnStart(t *testing.T) {
	cfg := testConfig(t)
	// terraform is not on PATH in tests; the resumed destroy fails and is
	// recorded instead of resuming silently.
	cfg.TerraformPath = filepath.Join(t.TempDir(), "missing-terraform")
	cfg.SaltKeyPath = filepath.Join(t.TempDir(), "missing-salt-key")

	destroying := testutil.NewTestJob(testutil.JobOpts{Status: models.JobDestroying})
	repo := &memRepo{job: &destroying}
	rs := startService(t, cfg, repo)

	require.Eventually(t, func() bool {
		job, ok := rs.svc.orchestrator.Status()
		return ok && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
	job, _ := rs.svc.orchestrator.Status()
	assert.Equal(t, progressDestroyFailed, job.Progress)
	require.NotNil(t, job.Error)
}

func TestOpenRepository(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.MkdirAll(cfg.DataDir, 0o750))
		repo, err := OpenRepository(cfg)
		require.NoError(t, err)
		_, ok := repo.(*store.FileRepository)
		assert.True(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StateBackend = config.StateBackendSQLite
		require.NoError(t, os.MkdirAll(cfg.DataDir, 0o750))
		repo, err := OpenRepository(cfg)
		require.NoError(t, err)
		defer closeRepository(repo)
		_, ok := repo.(store.HistoryReader)
		assert.True(t, ok)
	})

	t.Run("sealed", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StateAgeIdentityPath = filepath.Join(t.TempDir(), "state.key")
		require.NoError(t, os.MkdirAll(cfg.DataDir, 0o750))
		repo, err := OpenRepository(cfg)
		require.NoError(t, err)

		job := testutil.NewTestJob(testutil.JobOpts{Status: models.JobDeployed})
		require.NoError(t, repo.Save(context.Background(), job))
		raw, err := os.ReadFile(cfg.StatePath)
		require.NoError(t, err)
		assert.True(t, store.IsSealed(raw))
		assert.NotContains(t, string(raw), testutil.TestJobID)

		loaded, err := repo.Load(context.Background())
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, testutil.TestJobID, loaded.ID)
	})
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TerraformDir = ""
	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terraform_dir")
}
