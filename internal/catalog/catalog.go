// Package catalog loads the service catalog that backs range planning.
//
// The catalog is a directory tree laid out as
// stage/subcategory/service/service.yaml. Two-level trees
// (scenario/service/service.yaml) are also accepted.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/dcrange/dcrange/internal/models"
	"gopkg.in/yaml.v3"
)

// ServiceFile is the name of the per-service metadata document.
const ServiceFile = "service.yaml"

const uncategorized = "uncategorized"

type serviceSpec struct {
	OS         string         `yaml:"os"`
	Difficulty string         `yaml:"difficulty"`
	Vars       map[string]any `yaml:"vars"`
	Givens     map[string]any `yaml:"givens"`
}

// Registry is a read-only snapshot of the catalog keyed by scenario
// (stage/subcategory).
type Registry map[string][]models.ServiceDef

// Keys returns the scenario keys in sorted order.
func (r Registry) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Services returns the services of one scenario.
func (r Registry) Services(key string) []models.ServiceDef {
	return r[key]
}

// Len returns the number of services across all scenarios.
func (r Registry) Len() int {
	n := 0
	for _, services := range r {
		n += len(services)
	}
	return n
}

// AvailableOSes lists the OS classes that have at least one tagged service.
// When no service carries an OS tag every class is considered available.
func (r Registry) AvailableOSes() []string {
	seen := map[string]bool{}
	for _, services := range r {
		for _, svc := range services {
			if svc.OS != "" {
				seen[svc.OS] = true
			}
		}
	}
	if len(seen) == 0 {
		return []string{models.OSLinux, models.OSWindows}
	}
	out := make([]string, 0, len(seen))
	for osName := range seen {
		out = append(out, osName)
	}
	sort.Strings(out)
	return out
}

// HasOS reports whether osName can be satisfied by the catalog.
func (r Registry) HasOS(osName string) bool {
	return slices.Contains(r.AvailableOSes(), osName)
}

// Load walks root and parses every service.yaml it finds. Unreadable or
// malformed service files are logged and skipped; a missing root is an error.
func Load(root string, logger *log.Logger) (Registry, error) {
	if logger == nil {
		logger = log.Default()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("catalog root is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat catalog root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog root %s is not a directory", root)
	}

	reg := Registry{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logger.Printf("catalog: skip %s: %v", path, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() != ServiceFile {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		scenario, service, ok := deriveKeys(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		def, err := readService(path)
		if err != nil {
			logger.Printf("catalog: skip %s: %v", path, err)
			return nil
		}
		def.Name = service
		def.Scenario = scenario
		def.Path = scenario + "/" + service
		reg[scenario] = append(reg[scenario], def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk catalog %s: %w", root, err)
	}
	for key := range reg {
		sort.Slice(reg[key], func(i, j int) bool { return reg[key][i].Name < reg[key][j].Name })
	}
	return reg, nil
}

func readService(path string) (models.ServiceDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ServiceDef{}, fmt.Errorf("read service: %w", err)
	}
	var spec serviceSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return models.ServiceDef{}, fmt.Errorf("parse service: %w", err)
	}
	vars := spec.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	return models.ServiceDef{
		OS:         strings.ToLower(strings.TrimSpace(spec.OS)),
		Difficulty: strings.ToLower(strings.TrimSpace(spec.Difficulty)),
		Vars:       vars,
		Givens:     spec.Givens,
	}, nil
}

// deriveKeys maps a slash-separated path ending in service.yaml to its
// scenario key and service name.
func deriveKeys(rel string) (scenario, service string, ok bool) {
	parts := strings.FieldsFunc(rel, func(r rune) bool { return r == '/' })
	if len(parts) < 2 || parts[len(parts)-1] != ServiceFile {
		return "", "", false
	}
	service = parts[len(parts)-2]
	switch {
	case len(parts) >= 4:
		scenario = parts[len(parts)-4] + "/" + parts[len(parts)-3]
	case len(parts) == 3:
		scenario = parts[0]
	default:
		scenario = uncategorized
	}
	return scenario, service, true
}

// FileRootResolver locates the catalog root when it is not configured
// explicitly, typically by asking the configuration fleet.
type FileRootResolver interface {
	FileRoot(ctx context.Context) (string, error)
}

// Source loads a fresh Registry for every orchestration run.
type Source struct {
	Dir      string
	Resolver FileRootResolver
	Logger   *log.Logger
}

// Root returns the configured directory or the resolver's answer.
func (s *Source) Root(ctx context.Context) (string, error) {
	if s == nil {
		return "", errors.New("catalog source is nil")
	}
	if dir := strings.TrimSpace(s.Dir); dir != "" {
		return dir, nil
	}
	if s.Resolver == nil {
		return "", errors.New("catalog directory is not configured")
	}
	root, err := s.Resolver.FileRoot(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve catalog root: %w", err)
	}
	return root, nil
}

// Load resolves the root and loads the registry from it.
func (s *Source) Load(ctx context.Context) (Registry, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	return Load(root, s.Logger)
}
