package proxy

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// terminalKind says whether a pre-upstream decision lets the request
// proceed to the upstream call (terminalNone) or ends it there, with
// an immediate response or a hang.
type terminalKind int

const (
	terminalNone terminalKind = iota
	terminalResponse
	terminalHang
)

// preDecision is the result of evaluatePre.
type preDecision struct {
	Terminal terminalKind

	// terminalResponse fields
	StatusCode int
	Body       []byte
	Headers    map[string]string

	// terminalHang fields
	HangDuration time.Duration

	// Rule is the matched rule, carried forward to evaluatePost and to
	// the log entry; nil only if no rule matched.
	Rule *Rule

	Actions []string
}

// postEffects is the result of evaluatePost.
type postEffects struct {
	DelayMs int
	Corrupt bool
	Action  string // "latency:<ms>ms", emitted here since it depends on the sampled delay
}

// pipeline sequences the pre/post chaos stages against an Engine's
// rule set and bucket registry. It never re-matches between pre and
// post: the rule that matched pre-upstream is carried through,
// because rate-limit and token-bucket are not idempotent.
type pipeline struct {
	engine *Engine
}

func newPipeline(e *Engine) *pipeline {
	return &pipeline{engine: e}
}

// evaluatePre implements §4.4's pre-upstream decision.
func (p *pipeline) evaluatePre(path, method string) preDecision {
	rule := p.engine.findMatchingRule(path, method)
	if rule == nil {
		return preDecision{Terminal: terminalNone, Actions: []string{"match:no_rule"}}
	}

	actions := []string{fmt.Sprintf("match:%s", rule.Name)}

	switch rule.ChaosType {
	case ChaosRateLimit:
		sample := rand.Float64() * 100
		if sample < float64(rule.FailRate) {
			actions = append(actions, fmt.Sprintf("drop_rate:triggered:%.0f%%", sample))
			body, _ := json.Marshal(map[string]any{
				"error":       true,
				"message":     "Too Many Requests (drop rate triggered)",
				"chaosMonkey": true,
			})
			return preDecision{
				Terminal:   terminalResponse,
				StatusCode: 429,
				Body:       body,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Rule:       rule,
				Actions:    actions,
			}
		}
		actions = append(actions, fmt.Sprintf("drop_rate:passed:%.0f%%", sample))
		return preDecision{Terminal: terminalNone, Rule: rule, Actions: actions}

	case ChaosTokenBucket:
		key := fmt.Sprintf("%s:%s", method, rule.ID)
		res := p.engine.buckets.tryConsume(key, rule.RPS, rule.Burst)
		if res.Allowed {
			actions = append(actions, "token_bucket:passed")
			return preDecision{Terminal: terminalNone, Rule: rule, Actions: actions}
		}
		actions = append(actions, fmt.Sprintf("token_bucket:blocked(retry_after=%d)", res.RetryAfter))
		body, _ := json.Marshal(map[string]any{
			"error":       true,
			"message":     "Too Many Requests (rate limited)",
			"retryAfter":  res.RetryAfter,
			"chaosMonkey": true,
		})
		return preDecision{
			Terminal:   terminalResponse,
			StatusCode: 429,
			Body:       body,
			Headers: map[string]string{
				"Content-Type": "application/json",
				"Retry-After":  fmt.Sprintf("%d", res.RetryAfter),
			},
			Rule:    rule,
			Actions: actions,
		}

	case ChaosTimeout:
		duration := rule.TimeoutMs
		if rule.JitterMs > 0 {
			duration += rand.Intn(2*rule.JitterMs+1) - rule.JitterMs
		}
		if duration < 0 {
			duration = 0
		}
		actions = append(actions, fmt.Sprintf("timeout:triggered(ms=%d)", duration))
		return preDecision{
			Terminal:     terminalHang,
			HangDuration: time.Duration(duration) * time.Millisecond,
			Rule:         rule,
			Actions:      actions,
		}

	case ChaosError:
		actions = append(actions, fmt.Sprintf("error:%d", rule.ErrorStatusCode))
		body, _ := json.Marshal(map[string]any{
			"error":       true,
			"message":     rule.ErrorMessage,
			"chaosMonkey": true,
		})
		return preDecision{
			Terminal:   terminalResponse,
			StatusCode: rule.ErrorStatusCode,
			Body:       body,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Rule:       rule,
			Actions:    actions,
		}

	case ChaosLatency, ChaosCorrupt:
		return preDecision{Terminal: terminalNone, Rule: rule, Actions: actions}

	default:
		return preDecision{Terminal: terminalNone, Rule: rule, Actions: actions}
	}
}

// evaluatePost implements §4.4's post-upstream effect calculation.
func (p *pipeline) evaluatePost(rule *Rule) postEffects {
	if rule == nil {
		return postEffects{}
	}
	switch rule.ChaosType {
	case ChaosLatency:
		delay := rule.LatencyMs
		if delay == 0 {
			lo, hi := rule.LatencyMinMs, rule.LatencyMaxMs
			if hi > lo {
				delay = lo + rand.Intn(hi-lo+1)
			} else {
				delay = lo
			}
		}
		return postEffects{DelayMs: delay, Action: fmt.Sprintf("latency:%dms", delay)}
	case ChaosCorrupt:
		return postEffects{Corrupt: true}
	default:
		return postEffects{}
	}
}

// corruptJsonBody safely mutates one top-level element of a JSON
// document. It never errors: unparseable or degenerate input is
// returned unchanged along with a "skipped" action tag.
func corruptJsonBody(body []byte) ([]byte, string) {
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return body, "corrupt_json:skipped(reason=parse_error)"
	}

	switch v := generic.(type) {
	case []any:
		if len(v) == 0 {
			return body, "corrupt_json:skipped(reason=empty_array)"
		}
		idx := rand.Intn(len(v))
		if rand.Intn(2) == 0 {
			out := append(append([]any(nil), v[:idx]...), v[idx+1:]...)
			newBody, _ := json.Marshal(out)
			return newBody, fmt.Sprintf("corrupt_json:removed_index:%d", idx)
		}
		v[idx] = nil
		newBody, _ := json.Marshal(v)
		return newBody, fmt.Sprintf("corrupt_json:null_index:%d", idx)

	case map[string]any:
		if len(v) == 0 {
			return body, "corrupt_json:skipped(reason=empty_object)"
		}
		key := randomMapKey(v)
		if rand.Intn(2) == 0 {
			delete(v, key)
			newBody, _ := json.Marshal(v)
			return newBody, fmt.Sprintf("corrupt_json:removed_key:%s", key)
		}
		v[key] = nil
		newBody, _ := json.Marshal(v)
		return newBody, fmt.Sprintf("corrupt_json:null_value:%s", key)

	default:
		return body, "corrupt_json:skipped(reason=primitive_value)"
	}
}

// randomMapKey picks a random key from an object: it draws an index
// with rand.Intn and walks the map to that position, without building
// a key slice.
func randomMapKey(m map[string]any) string {
	n := rand.Intn(len(m))
	i := 0
	for k := range m {
		if i == n {
			return k
		}
		i++
	}
	panic("unreachable")
}
