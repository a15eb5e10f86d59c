package daemon

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/dcrange/dcrange/internal/models"
)

const redactedValue = "[REDACTED]"

// minRedactValueLen skips short literals that would shred unrelated text.
const minRedactValueLen = 6

// Keys whose values never reach logs or recorded job errors. Givens and
// pillar data carry seeded credentials under these names.
var defaultRedactionKeys = []string{
	"token",
	"auth_token",
	"x-orchestrator-token",
	"password",
	"passwd",
	"pass",
	"secret",
	"api_key",
	"private_key",
	"ssh_private_key",
	"pm_password",
	"pm_api_token_secret",
}

// Redactor scrubs credentials from tool output before it is logged or stored
// on a job. It knows sensitive key names (matched in JSON, key=value and
// key: value forms) and literal secret values.
type Redactor struct {
	mu      sync.RWMutex
	keys    map[string]struct{}
	values  map[string]struct{}
	matcher *keyMatcher
	ordered []string
}

// keyMatcher holds one alternation regexp per assignment form.
type keyMatcher struct {
	jsonString  *regexp.Regexp
	quotedValue *regexp.Regexp
	bareValue   *regexp.Regexp
}

// NewRedactor builds a redactor with the default keys plus extraKeys.
func NewRedactor(extraKeys []string) *Redactor {
	r := &Redactor{
		keys:   make(map[string]struct{}),
		values: make(map[string]struct{}),
	}
	r.AddKeys(defaultRedactionKeys...)
	r.AddKeys(extraKeys...)
	return r
}

// AddKeys registers key names whose values are always scrubbed.
func (r *Redactor) AddKeys(keys ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := false
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := r.keys[key]; !ok {
			r.keys[key] = struct{}{}
			added = true
		}
	}
	if added {
		r.matcher = compileKeyMatcher(r.keys)
	}
}

// AddValues registers literal secrets. Values shorter than six characters
// are ignored.
func (r *Redactor) AddValues(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := false
	for _, value := range values {
		value = strings.TrimSpace(value)
		if len(value) < minRedactValueLen {
			continue
		}
		if _, ok := r.values[value]; !ok {
			r.values[value] = struct{}{}
			added = true
		}
	}
	if added {
		r.ordered = r.ordered[:0]
		for value := range r.values {
			r.ordered = append(r.ordered, value)
		}
		// Longest first so a secret that contains another is replaced whole.
		slices.SortFunc(r.ordered, func(a, b string) int {
			return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
		})
	}
}

// AddEnv registers every key of env as sensitive and every value as a secret.
func (r *Redactor) AddEnv(env map[string]string) {
	if r == nil || len(env) == 0 {
		return
	}
	keys := make([]string, 0, len(env))
	values := make([]string, 0, len(env))
	for k, v := range env {
		keys = append(keys, k)
		values = append(values, v)
	}
	r.AddKeys(keys...)
	r.AddValues(values...)
}

// AddGivens registers the seeded credential values of a plan. Only string
// givens are considered.
func (r *Redactor) AddGivens(machines []models.MachinePlan) {
	if r == nil {
		return
	}
	var values []string
	for _, machine := range machines {
		for key, given := range machine.Givens {
			text, ok := given.(string)
			if !ok || !r.sensitiveKey(key) {
				continue
			}
			values = append(values, text)
		}
	}
	r.AddValues(values...)
}

func (r *Redactor) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for known := range r.keys {
		if strings.Contains(key, known) {
			return true
		}
	}
	return false
}

// Redact returns input with every known secret replaced.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	values := slices.Clone(r.ordered)
	matcher := r.matcher
	r.mu.RUnlock()

	output := input
	for _, value := range values {
		output = strings.ReplaceAll(output, value, redactedValue)
	}
	if matcher != nil {
		output = matcher.jsonString.ReplaceAllString(output, `${1}`+redactedValue+`${2}`)
		output = matcher.quotedValue.ReplaceAllString(output, `${1}`+redactedValue+`${2}`)
		output = matcher.bareValue.ReplaceAllString(output, `${1}`+redactedValue)
	}
	return output
}

func compileKeyMatcher(keys map[string]struct{}) *keyMatcher {
	names := make([]string, 0, len(keys))
	for key := range keys {
		names = append(names, regexp.QuoteMeta(key))
	}
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})
	alt := "(?:" + strings.Join(names, "|") + ")"
	return &keyMatcher{
		jsonString:  regexp.MustCompile(`(?i)("` + alt + `"\s*:\s*")[^"]*(")`),
		quotedValue: regexp.MustCompile(`(?i)(\b` + alt + `\b\s*[=:]\s*")[^"]*(")`),
		bareValue:   regexp.MustCompile(`(?i)(\b` + alt + `\b\s*[=:]\s*)([^\s"'\[]+)`),
	}
}
