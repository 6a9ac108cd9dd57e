package proxy

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ChaosType identifies the failure mode a Rule injects.
type ChaosType string

const (
	ChaosLatency     ChaosType = "latency"
	ChaosError       ChaosType = "error"
	ChaosTimeout     ChaosType = "timeout"
	ChaosCorrupt     ChaosType = "corrupt"
	ChaosRateLimit   ChaosType = "rate-limit"
	ChaosTokenBucket ChaosType = "token-bucket"
)

// Rule is a named declaration of a failure mode applied to requests
// matching a path/method filter. Once stored, every field holds its
// real, resolved value — chaosType defaults are resolved against the
// RulePatch that created the rule, not against this struct's zero
// values. An update merges only the fields its patch supplies and does
// not apply defaults again.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	PathPattern string    `json:"pathPattern"`
	Methods     []string  `json:"methods"`
	ChaosType   ChaosType `json:"chaosType"`

	LatencyMs    int `json:"latencyMs,omitempty"`
	LatencyMinMs int `json:"latencyMinMs,omitempty"`
	LatencyMaxMs int `json:"latencyMaxMs,omitempty"`

	ErrorStatusCode int    `json:"errorStatusCode,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`

	TimeoutMs int `json:"timeoutMs,omitempty"`
	JitterMs  int `json:"jitterMs,omitempty"`

	FailRate int `json:"failRate,omitempty"`

	RPS   int `json:"rps,omitempty"`
	Burst int `json:"burst,omitempty"`

	re *regexp.Regexp
}

// clone returns a defensive copy safe for callers to mutate.
func (r *Rule) clone() *Rule {
	cp := *r
	cp.Methods = append([]string(nil), r.Methods...)
	cp.re = nil // compiled regex is an implementation detail, never exposed
	return &cp
}

// compilePattern compiles PathPattern, tolerating bad regex by falling
// back to substring matching at match time (see matchesPath()).
func (r *Rule) compilePattern() {
	re, err := regexp.Compile(r.PathPattern)
	if err == nil {
		r.re = re
	} else {
		r.re = nil
	}
}

// admitsMethod reports whether the rule's method filter admits method.
// Wildcard "*" is absorbing; comparisons are case-insensitive.
func (r *Rule) admitsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchesPath tests path against the compiled pattern, degrading to
// substring containment when the pattern failed to compile.
func (r *Rule) matchesPath(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.Contains(path, r.PathPattern)
}

// RulePatch is the wire shape decoded from a rule management request
// body, for both POST /rules and PUT /rules/:id. Most fields are
// plain — an empty string/slice unambiguously means "not supplied."
// But Enabled, FailRate, TimeoutMs, RPS, and Burst all have a
// meaningful zero value (disabled, "never drop," an instant hang,
// "no refill," "always blocked"), so a plain bool/int can't tell
// "omitted" from "explicitly zero." Those fields are pointers, the
// same way ConfigPatch.Enabled is, so CreateRule/UpdateRule can apply
// chaosType defaults (or leave a stored value alone on update)
// without guessing at a flat zero value.
type RulePatch struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Enabled     *bool     `json:"enabled"`
	PathPattern string    `json:"pathPattern"`
	Methods     []string  `json:"methods"`
	ChaosType   ChaosType `json:"chaosType"`

	LatencyMs    int `json:"latencyMs"`
	LatencyMinMs int `json:"latencyMinMs"`
	LatencyMaxMs int `json:"latencyMaxMs"`

	ErrorStatusCode int    `json:"errorStatusCode"`
	ErrorMessage    string `json:"errorMessage"`

	TimeoutMs *int `json:"timeoutMs"`
	JitterMs  int  `json:"jitterMs"`

	FailRate *int `json:"failRate"`

	RPS   *int `json:"rps"`
	Burst *int `json:"burst"`
}

// Config is the process-wide proxy configuration.
type Config struct {
	TargetURL string `json:"targetUrl"`
	Enabled   bool   `json:"enabled"`
}

// ConfigPatch is the partial update accepted by updateConfig; nil
// fields are left untouched.
type ConfigPatch struct {
	TargetURL *string `json:"targetUrl,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// LogEntry records the outcome of a single proxied request. StatusCode
// holds either an HTTP status or the literal string "timeout".
type LogEntry struct {
	ID             int64       `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	Method         string      `json:"method"`
	Path           string      `json:"path"`
	Headers        http.Header `json:"headers"`
	StatusCode     any         `json:"statusCode"`
	ResponseTimeMs int64       `json:"responseTime"`
	ChaosApplied   bool        `json:"chaosApplied"`
	ChaosType      ChaosType   `json:"chaosType,omitempty"`
	ChaosRuleID    string      `json:"chaosRuleId,omitempty"`
	ChaosRuleName  string      `json:"chaosRuleName,omitempty"`
	ChaosDetails   string      `json:"chaosDetails,omitempty"`
	ActionsApplied []string    `json:"actionsApplied"`
}

// bucketState is the mutable per-key token bucket. All access goes
// through bucketRegistry, which serialises updates per key.
type bucketState struct {
	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	rps         float64
	burst       float64
}
