package salt

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/poll"
)

// renderChunkID labels the synthetic chunk recorded when a minion returns
// something other than a state map, usually a list of render errors.
const renderChunkID = "render"

type chunkPayload struct {
	Result  any            `json:"result"`
	Changes map[string]any `json:"changes"`
	Comment any            `json:"comment"`
	RunNum  *int           `json:"__run_num__"`
}

// Apply configures one machine: it checks reachability, refreshes pillar
// data, launches a single async state.apply for every state of the machine
// and polls the job until it settles or timeout elapses.
func (f *Fleet) Apply(ctx context.Context, machine models.MachinePlan, timeout time.Duration) (models.ApplySummary, error) {
	target := strings.TrimSpace(machine.Hostname)
	summary := models.ApplySummary{Minion: target}
	if target == "" {
		return summary, fmt.Errorf("salt apply: machine has no hostname")
	}
	if len(machine.SaltStates) == 0 {
		return summary, fmt.Errorf("salt apply %s: %w", target, ErrNoStates)
	}
	logger := f.logger()

	if err := f.ping(ctx, target); err != nil {
		return summary, err
	}

	if !f.SkipPillarRefresh {
		if _, err := f.runner().Run(ctx, f.saltBin(), "-t", "60", "--out=json", target, "saltutil.refresh_pillar"); err != nil {
			logger.Printf("salt: refresh_pillar failed for %s: %v", target, err)
		}
	}

	pillar, err := PillarJSON(machine)
	if err != nil {
		return summary, err
	}
	states := strings.Join(machine.SaltStates, ",")
	out, err := f.runner().Run(ctx, f.saltBin(), "--async", target, "state.apply", states, "saltenv="+f.saltenv(), "pillar="+pillar)
	if err != nil {
		return summary, fmt.Errorf("salt state.apply %s: %w", target, err)
	}
	jid := ExtractJID(out)
	if jid == "" {
		return summary, fmt.Errorf("salt state.apply %s: %w", target, ErrNoJID)
	}
	summary.JID = jid
	logger.Printf("salt: %s started state.apply jid=%s for [%s]", target, jid, strings.Join(machine.SaltStates, ", "))

	var final json.RawMessage
	lastCount := 0
	err = poll.Until(ctx, poll.Options{
		Op:       fmt.Sprintf("job %s on %s", jid, target),
		Interval: durationOr(f.ApplyInterval, DefaultApplyInterval),
		Timeout:  timeout,
		Clock:    f.Clock,
	}, func(ctx context.Context) (bool, error) {
		ret, err := f.lookupJob(ctx, jid, target)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			logger.Printf("salt: %s jobs.lookup_jid failed: %v", target, err)
			return false, nil
		}
		if len(ret) > 0 {
			chunks, isMap := decodeChunks(ret)
			if !isMap {
				final = ret
				return true, nil
			}
			if len(chunks) > lastCount {
				logger.Printf("salt: %s reported %d chunks so far", target, len(chunks))
				lastCount = len(chunks)
			}
			if allChunksHaveResult(chunks) || !f.jobActive(ctx, jid) {
				final = ret
				return true, nil
			}
			return false, nil
		}
		return !f.jobActive(ctx, jid), nil
	})
	if err != nil {
		return summary, err
	}

	summarize(&summary, final)
	logger.Printf("salt: %s ok=%t changed=%d failed=%d", target, summary.OK, summary.Changed, summary.Failed)
	return summary, nil
}

// PillarJSON merges the machine's per-service vars and its givens into the
// pillar document passed to state.apply.
func PillarJSON(machine models.MachinePlan) (string, error) {
	pillar := make(map[string]any, len(machine.Vars)+len(machine.Givens))
	for name, vars := range machine.Vars {
		pillar[name] = vars
	}
	maps.Copy(pillar, machine.Givens)
	data, err := json.Marshal(pillar)
	if err != nil {
		return "", fmt.Errorf("marshal pillar: %w", err)
	}
	return string(data), nil
}

// ExtractJID finds the job id in `salt --async` output.
func ExtractJID(out string) string {
	m := jidPattern.FindStringSubmatch(out)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (f *Fleet) ping(ctx context.Context, target string) error {
	logger := f.logger()
	attempts := f.PingAttempts
	if attempts <= 0 {
		attempts = DefaultPingAttempts
	}
	err := poll.Retry(ctx, f.clock(), attempts, durationOr(f.PingBackoff, DefaultPingBackoff), func(attempt int) error {
		out, err := f.runner().Run(ctx, f.saltBin(), "-t", "30", "--out=json", target, "test.ping")
		if err == nil {
			var resp map[string]any
			if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(out)), &resp); jsonErr != nil {
				err = fmt.Errorf("parse test.ping: %w", jsonErr)
			} else if ok, _ := resp[target].(bool); !ok {
				err = fmt.Errorf("minion %s did not return true for test.ping", target)
			}
		}
		if err != nil {
			logger.Printf("salt: %s ping attempt %d/%d failed: %v", target, attempt, attempts, err)
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachable, target, attempts, err)
	}
	return nil
}

// lookupJob returns the raw return of target for jid, or nil when the
// minion has not reported yet.
func (f *Fleet) lookupJob(ctx context.Context, jid, target string) (json.RawMessage, error) {
	out, err := f.runner().Run(ctx, f.saltRun(), "jobs.lookup_jid", jid, "--out=json")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var lookup map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &lookup); err != nil {
		return nil, fmt.Errorf("parse lookup_jid: %w", err)
	}
	ret := lookup[target]
	trimmed := strings.TrimSpace(string(ret))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]" || trimmed == `""` {
		return nil, nil
	}
	return ret, nil
}

// jobActive reports whether jid is still listed by jobs.active. Errors are
// treated as active so a flaky master does not end polling early.
func (f *Fleet) jobActive(ctx context.Context, jid string) bool {
	out, err := f.runner().Run(ctx, f.saltRun(), "jobs.active", "--out=json")
	if err != nil {
		f.logger().Printf("salt: jobs.active failed: %v", err)
		return true
	}
	var active map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &active); err != nil {
		return true
	}
	_, ok := active[jid]
	return ok
}

type namedChunk struct {
	id string
	chunkPayload
}

// decodeChunks parses a state return. isMap is false when the return is not
// an object, e.g. a list of render errors.
func decodeChunks(ret json.RawMessage) (chunks []namedChunk, isMap bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(ret, &raw); err != nil {
		return nil, false
	}
	for id, data := range raw {
		var payload chunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		chunks = append(chunks, namedChunk{id: id, chunkPayload: payload})
	}
	sort.Slice(chunks, func(i, j int) bool {
		ri, rj := chunks[i].RunNum, chunks[j].RunNum
		if ri != nil && rj != nil && *ri != *rj {
			return *ri < *rj
		}
		return chunks[i].id < chunks[j].id
	})
	return chunks, true
}

func allChunksHaveResult(chunks []namedChunk) bool {
	if len(chunks) == 0 {
		return false
	}
	for _, c := range chunks {
		if _, ok := c.Result.(bool); !ok {
			return false
		}
	}
	return true
}

func summarize(summary *models.ApplySummary, final json.RawMessage) {
	summary.Chunks = []models.ChunkResult{}
	if len(final) > 0 {
		chunks, isMap := decodeChunks(final)
		if !isMap {
			failed := false
			summary.Chunks = append(summary.Chunks, models.ChunkResult{
				ID:      renderChunkID,
				Result:  &failed,
				Comment: renderErrorText(final),
			})
			summary.Failed = 1
		}
		for _, c := range chunks {
			result := models.ChunkResult{
				ID:      c.id,
				Changes: c.Changes,
				Comment: commentText(c.Comment),
			}
			if b, ok := c.Result.(bool); ok {
				result.Result = &b
				if !b {
					summary.Failed++
				}
			}
			if len(c.Changes) > 0 {
				summary.Changed++
			}
			summary.Chunks = append(summary.Chunks, result)
		}
	}
	summary.OK = summary.Failed == 0
}

func renderErrorText(raw json.RawMessage) string {
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "\n")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func commentText(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(typed)
	}
}
