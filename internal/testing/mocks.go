// Package testing provides shared test utilities for dcrange.
package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dcrange/dcrange/internal/shell"
)

// MockResult is one scripted process outcome.
type MockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// MockCall is a captured process invocation.
type MockCall struct {
	Name string
	Args []string
}

// Command returns the call as a space-joined command line.
func (c MockCall) Command() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// MockRunner is a scripted shell.CommandRunner. Responses are matched by the
// full command line first, then by the longest registered prefix. Queued
// responses are consumed in order; the last one repeats.
type MockRunner struct {
	mu        sync.Mutex
	exact     map[string][]MockResult
	prefixes  map[string][]MockResult
	calls     []MockCall
	Fallback  func(call MockCall) (MockResult, bool)
	Unmatched MockResult
}

// NewMockRunner creates an empty MockRunner that succeeds with no output for
// unscripted commands.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		exact:    make(map[string][]MockResult),
		prefixes: make(map[string][]MockResult),
	}
}

// On scripts results for an exact command line.
func (m *MockRunner) On(command string, results ...MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact[command] = append(m.exact[command], results...)
}

// OnPrefix scripts results for every command line starting with prefix.
func (m *MockRunner) OnPrefix(prefix string, results ...MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes[prefix] = append(m.prefixes[prefix], results...)
}

// Run implements shell.CommandRunner.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	call := MockCall{Name: name, Args: append([]string(nil), args...)}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	res, ok := m.next(call.Command())
	fallback := m.Fallback
	unmatched := m.Unmatched
	m.mu.Unlock()

	if !ok && fallback != nil {
		res, ok = fallback(call)
	}
	if !ok {
		res = unmatched
	}
	if res.Err != nil {
		return res.Stdout, res.Err
	}
	if res.ExitCode != 0 {
		return res.Stdout, &shell.CommandError{
			Command:  call.Command(),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("exit status %d", res.ExitCode),
		}
	}
	return res.Stdout, nil
}

func (m *MockRunner) next(command string) (MockResult, bool) {
	if queue, ok := m.exact[command]; ok && len(queue) > 0 {
		return m.pop(m.exact, command), true
	}
	best := ""
	for prefix, queue := range m.prefixes {
		if len(queue) == 0 || !strings.HasPrefix(command, prefix) {
			continue
		}
		if len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return MockResult{}, false
	}
	return m.pop(m.prefixes, best), true
}

func (m *MockRunner) pop(table map[string][]MockResult, key string) MockResult {
	queue := table[key]
	res := queue[0]
	if len(queue) > 1 {
		table[key] = queue[1:]
	}
	return res
}

// Calls returns the captured invocations.
func (m *MockRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Commands returns the captured invocations as command lines.
func (m *MockRunner) Commands() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Command()
	}
	return out
}

// CountPrefix counts captured command lines starting with prefix.
func (m *MockRunner) CountPrefix(prefix string) int {
	n := 0
	for _, cmd := range m.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// FakeClock is a manually advanced clock. Sleep advances the clock instead of
// blocking.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock creates a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns the durations passed to Sleep.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
