package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dcrange/dcrange/internal/models"
)

const (
	stateDirPerms  = 0o750
	stateFilePerms = 0o600
)

// FileRepository keeps the job as a single JSON document. Writes go to a
// temporary file in the same directory which is synced and renamed over the
// target, so readers only ever see a complete document.
type FileRepository struct {
	Path   string
	Sealer Sealer
	Logger *log.Logger

	mu  sync.Mutex
	now func() time.Time
}

var _ JobRepository = (*FileRepository)(nil)

// NewFileRepository creates a repository at path, creating its directory.
func NewFileRepository(path string, sealer Sealer, logger *log.Logger) (*FileRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerms); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileRepository{Path: path, Sealer: sealer, Logger: logger}, nil
}

// Load reads the job. A missing file means no job. A document that cannot be
// decoded is moved aside to <path>.corrupt-<timestamp> and reported as no job.
func (r *FileRepository) Load(ctx context.Context) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", r.Path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	plain, err := unseal(r.Sealer, data)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", r.Path, err)
	}
	var job models.Job
	if err := json.Unmarshal(plain, &job); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%s", r.Path, r.clock().UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(r.Path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("decode state %s: %w (quarantine failed: %v)", r.Path, err, renameErr)
		}
		r.logger().Printf("store: state %s is corrupt (%v), moved to %s", r.Path, err, quarantine)
		return nil, nil
	}
	return &job, nil
}

// Save atomically replaces the stored job.
func (r *FileRepository) Save(ctx context.Context, job models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data, err = seal(r.Sealer, data)
	if err != nil {
		return fmt.Errorf("seal state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return writeFileAtomic(r.Path, data, stateFilePerms)
}

// Clear removes the stored job.
func (r *FileRepository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state %s: %w", r.Path, err)
	}
	return nil
}

func (r *FileRepository) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *FileRepository) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace state %s: %w", path, err)
	}
	committed = true
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
