// Package salt drives the Salt master CLIs (salt, salt-key, salt-run)
// to admit range machines into the fleet, configure them and remove them.
package salt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dcrange/dcrange/internal/poll"
	"github.com/dcrange/dcrange/internal/shell"
)

var (
	// ErrUnreachable is returned when a minion never answers test.ping.
	ErrUnreachable = errors.New("minion unreachable")
	// ErrNoJID is returned when an async apply did not report a job id.
	ErrNoJID = errors.New("no job id in salt output")
	// ErrNoStates is returned when Apply is called for a machine without states.
	ErrNoStates = errors.New("machine has no states to apply")
)

// Defaults mirror the timings the fleet has been tuned for.
const (
	DefaultSaltenv        = "base"
	DefaultAcceptInterval = 5 * time.Second
	DefaultApplyInterval  = 2 * time.Second
	DefaultPingAttempts   = 5
	DefaultPingBackoff    = 3 * time.Second
)

var jidPattern = regexp.MustCompile(`(?i)job ID:\s*(\d{18,})`)

// KeyList is the output of `salt-key -L --out=json`.
type KeyList struct {
	Accepted []string `json:"minions"`
	Pending  []string `json:"minions_pre"`
	Denied   []string `json:"minions_denied"`
	Rejected []string `json:"minions_rejected"`
}

// All returns every identity across the four lists without duplicates.
func (k KeyList) All() []string {
	var out []string
	for _, list := range [][]string{k.Accepted, k.Pending, k.Denied, k.Rejected} {
		for _, id := range list {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Fleet runs salt commands against the local master.
type Fleet struct {
	SaltPath    string // defaults to "salt"
	SaltKeyPath string // defaults to "salt-key"
	SaltRunPath string // defaults to "salt-run"
	Saltenv     string // defaults to "base"

	Runner         shell.CommandRunner // defaults to shell.ExecRunner
	Clock          poll.Clock          // defaults to poll.RealClock
	AcceptInterval time.Duration
	ApplyInterval  time.Duration
	PingAttempts   int
	PingBackoff    time.Duration
	// SkipPillarRefresh disables the saltutil.refresh_pillar call before apply.
	SkipPillarRefresh bool
	Logger            *log.Logger
}

// ListKeys returns the master's key lists.
func (f *Fleet) ListKeys(ctx context.Context) (KeyList, error) {
	out, err := f.runner().Run(ctx, f.saltKey(), "-L", "--out=json")
	if err != nil {
		return KeyList{}, fmt.Errorf("list salt keys: %w", err)
	}
	var keys KeyList
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &keys); err != nil {
		return KeyList{}, fmt.Errorf("parse salt keys: %w", err)
	}
	return keys, nil
}

// AcceptMembers waits until every id is accepted, accepting pending keys as
// they appear. Listing failures are logged and retried.
func (f *Fleet) AcceptMembers(ctx context.Context, ids []string, timeout time.Duration) error {
	if len(ids) == 0 {
		return errors.New("accept members: no minion ids given")
	}
	logger := f.logger()
	logger.Printf("salt: awaiting minion keys for %s", strings.Join(ids, ", "))
	return poll.Until(ctx, poll.Options{
		Op:       "minion keys " + strings.Join(ids, ","),
		Interval: durationOr(f.AcceptInterval, DefaultAcceptInterval),
		Timeout:  timeout,
		Clock:    f.Clock,
	}, func(ctx context.Context) (bool, error) {
		keys, err := f.ListKeys(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			logger.Printf("salt: could not list keys: %v", err)
			return false, nil
		}
		for _, id := range ids {
			if slices.Contains(keys.Pending, id) && !slices.Contains(keys.Accepted, id) {
				if _, err := f.runner().Run(ctx, f.saltKey(), "-y", "-a", id); err != nil {
					logger.Printf("salt: accept %s failed: %v", id, err)
					continue
				}
				logger.Printf("salt: accepted minion key %s", id)
				keys.Accepted = append(keys.Accepted, id)
			}
		}
		var waiting []string
		for _, id := range ids {
			if !slices.Contains(keys.Accepted, id) {
				waiting = append(waiting, id)
			}
		}
		if len(waiting) == 0 {
			logger.Printf("salt: all %d minions accepted", len(ids))
			return true, nil
		}
		logger.Printf("salt: still waiting on %s", strings.Join(waiting, ", "))
		return false, nil
	})
}

// Matcher selects fleet identities for removal.
type Matcher func(id string) bool

// MatchIDs matches exactly the given identities.
func MatchIDs(ids ...string) Matcher {
	return func(id string) bool { return slices.Contains(ids, id) }
}

// MatchSubstring matches identities containing s.
func MatchSubstring(s string) Matcher {
	return func(id string) bool { return strings.Contains(id, s) }
}

// MatchRegexp matches identities against re.
func MatchRegexp(re *regexp.Regexp) Matcher {
	return re.MatchString
}

// RemoveMembers deletes keys across all four lists. A nil filter removes
// every key. Individual failures are logged; the removed ids are returned.
func (f *Fleet) RemoveMembers(ctx context.Context, filter Matcher) ([]string, error) {
	logger := f.logger()
	keys, err := f.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range keys.All() {
		if filter != nil && !filter(id) {
			continue
		}
		if _, err := f.runner().Run(ctx, f.saltKey(), "-y", "-d", id); err != nil {
			logger.Printf("salt: delete key %s failed: %v", id, err)
			continue
		}
		logger.Printf("salt: removed minion key %s", id)
		removed = append(removed, id)
	}
	logger.Printf("salt: removed %d minion(s)", len(removed))
	return removed, nil
}

// FileRoot asks the master for the first file root of the configured
// saltenv.
func (f *Fleet) FileRoot(ctx context.Context) (string, error) {
	env := f.saltenv()
	out, err := f.runner().Run(ctx, f.saltRun(), "config.get", "file_roots:"+env, "--out=json")
	if err != nil {
		return "", fmt.Errorf("salt file_roots: %w", err)
	}
	root, err := parseFileRoot([]byte(strings.TrimSpace(out)), env)
	if err != nil {
		return "", err
	}
	return root, nil
}

func parseFileRoot(data []byte, env string) (string, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("parse file_roots: %w", err)
	}
	var first func(v any) string
	first = func(v any) string {
		switch typed := v.(type) {
		case string:
			return strings.TrimSpace(typed)
		case []any:
			for _, item := range typed {
				if s := first(item); s != "" {
					return s
				}
			}
		case map[string]any:
			if inner, ok := typed[env]; ok {
				return first(inner)
			}
			for _, inner := range typed {
				if s := first(inner); s != "" {
					return s
				}
			}
		}
		return ""
	}
	root := first(raw)
	if root == "" {
		return "", fmt.Errorf("salt reported no file root for saltenv %s", env)
	}
	return root, nil
}

func (f *Fleet) saltBin() string {
	if f.SaltPath != "" {
		return f.SaltPath
	}
	return "salt"
}

func (f *Fleet) saltKey() string {
	if f.SaltKeyPath != "" {
		return f.SaltKeyPath
	}
	return "salt-key"
}

func (f *Fleet) saltRun() string {
	if f.SaltRunPath != "" {
		return f.SaltRunPath
	}
	return "salt-run"
}

func (f *Fleet) saltenv() string {
	if f.Saltenv != "" {
		return f.Saltenv
	}
	return DefaultSaltenv
}

func (f *Fleet) runner() shell.CommandRunner {
	if f.Runner != nil {
		return f.Runner
	}
	return shell.ExecRunner{}
}

func (f *Fleet) clock() poll.Clock {
	if f.Clock != nil {
		return f.Clock
	}
	return poll.RealClock{}
}

func (f *Fleet) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
