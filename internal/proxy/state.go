package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const maxLogEntries = 1000

// Engine owns all process-wide mutable state: config, the rule
// collection, the bounded log ring, and the set of log subscribers. It
// is injected into the forwarder rather than reached for as a global.
type Engine struct {
	mu     sync.RWMutex
	config Config
	rules  []*Rule // insertion order; evaluation order mirrors this

	logMu    sync.RWMutex
	logRing  []LogEntry
	logHead  atomic.Int64
	logCount atomic.Int64

	subMu sync.Mutex
	subs  map[chan LogEntry]struct{}

	buckets *bucketRegistry
}

// NewEngine creates an Engine with an empty rule set and default
// config. Chaos is disabled and no target is configured until a
// management client sets one.
func NewEngine() *Engine {
	return &Engine{
		logRing: make([]LogEntry, maxLogEntries),
		subs:    make(map[chan LogEntry]struct{}),
		buckets: newBucketRegistry(),
	}
}

// GetConfig returns a copy of the current config.
func (e *Engine) GetConfig() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig merges patch into the stored config and returns the
// result. A zero-value patch is a no-op.
func (e *Engine) UpdateConfig(patch ConfigPatch) Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if patch.TargetURL != nil {
		e.config.TargetURL = *patch.TargetURL
	}
	if patch.Enabled != nil {
		e.config.Enabled = *patch.Enabled
	}
	return e.config
}

// ListRules returns a defensively-copied snapshot in insertion order.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.clone()
	}
	return out
}

// GetRule returns a copy of the rule with the given id, or nil if not found.
func (e *Engine) GetRule(id string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.ID == id {
			return r.clone()
		}
	}
	return nil
}

// CreateRule builds a rule from patch, assigns an id if absent,
// resolves chaosType-specific defaults against patch's own pointer
// fields (never against the zero value of the field being resolved),
// compiles the path pattern, appends it, and returns a copy.
func (e *Engine) CreateRule(patch *RulePatch) *Rule {
	stored := ruleFromPatch(patch)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	resolveRuleDefaults(stored, patch)
	stored.compilePattern()

	e.mu.Lock()
	e.rules = append(e.rules, stored)
	e.mu.Unlock()

	return stored.clone()
}

// UpdateRule merges patch onto the stored rule with the given id (id
// immutable). Returns the updated copy, or nil if no rule with that
// id exists.
func (e *Engine) UpdateRule(id string, patch *RulePatch) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.ID != id {
			continue
		}
		updated := mergeRule(r, patch)
		updated.ID = id
		updated.compilePattern()
		e.rules[i] = updated
		return updated.clone()
	}
	return nil
}

// DeleteRule removes the rule with the given id. Returns false if not found.
func (e *Engine) DeleteRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// findMatchingRule returns a pointer to the internal (compiled) rule
// for pipeline use. It is unexported: the pipeline runs inside the
// same package and must see the compiled regex, but external callers
// only ever see clones via ListRules/GetRule.
func (e *Engine) findMatchingRule(path, method string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if !r.admitsMethod(method) {
			continue
		}
		if !r.matchesPath(path) {
			continue
		}
		return r
	}
	return nil
}

// appendLog writes an entry into the ring, evicting the oldest entry
// once the ring is full, then fans it out to subscribers.
func (e *Engine) appendLog(entry LogEntry) {
	pos := e.logHead.Add(1) - 1
	idx := int(pos % int64(maxLogEntries))
	entry.ID = pos + 1

	e.logMu.Lock()
	e.logRing[idx] = entry
	e.logMu.Unlock()

	e.logCount.Add(1)
	e.broadcast(entry)
}

// ReadLogs returns up to limit entries, newest first. limit<=0 means all.
func (e *Engine) ReadLogs(limit int) []LogEntry {
	e.logMu.RLock()
	defer e.logMu.RUnlock()

	total := e.logCount.Load()
	available := int(total)
	if available > maxLogEntries {
		available = maxLogEntries
	}

	out := make([]LogEntry, 0, available)
	for i := 0; i < available; i++ {
		pos := total - 1 - int64(i)
		idx := int(pos % int64(maxLogEntries))
		out = append(out, e.logRing[idx])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ClearLogs empties the log ring.
func (e *Engine) ClearLogs() {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	e.logHead.Store(0)
	e.logCount.Store(0)
	for i := range e.logRing {
		e.logRing[i] = LogEntry{}
	}
}

// Subscribe registers a sink for newly appended log entries. The
// caller owns the channel and must call Unsubscribe to stop receiving.
// Delivery is best-effort: a full channel drops the entry rather than
// block the producer.
func (e *Engine) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

// Unsubscribe removes a previously-registered sink and closes it.
func (e *Engine) Unsubscribe(ch chan LogEntry) {
	e.subMu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.subMu.Unlock()
}

func (e *Engine) broadcast(entry LogEntry) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- entry:
		default:
			// slow subscriber: drop rather than block the producer
		}
	}
}

// ruleFromPatch copies patch's unambiguous fields onto a fresh Rule.
// The ambiguous, pointer-typed fields (Enabled, FailRate, TimeoutMs,
// RPS, Burst) are left at the Go zero value here; resolveRuleDefaults
// fills them in by checking patch's pointers, not this Rule's ints.
func ruleFromPatch(patch *RulePatch) *Rule {
	r := &Rule{
		ID:              patch.ID,
		Name:            patch.Name,
		PathPattern:     patch.PathPattern,
		Methods:         append([]string(nil), patch.Methods...),
		ChaosType:       patch.ChaosType,
		LatencyMs:       patch.LatencyMs,
		LatencyMinMs:    patch.LatencyMinMs,
		LatencyMaxMs:    patch.LatencyMaxMs,
		ErrorStatusCode: patch.ErrorStatusCode,
		ErrorMessage:    patch.ErrorMessage,
		JitterMs:        patch.JitterMs,
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.TimeoutMs != nil {
		r.TimeoutMs = *patch.TimeoutMs
	}
	if patch.FailRate != nil {
		r.FailRate = *patch.FailRate
	}
	if patch.RPS != nil {
		r.RPS = *patch.RPS
	}
	if patch.Burst != nil {
		r.Burst = *patch.Burst
	}
	return r
}

// resolveRuleDefaults fills in chaosType-specific defaults per §3 of
// the data model, at rule creation only. Every check is against
// patch's own field — nil pointer or, for the genuinely unambiguous
// fields, Go's zero value — never against r's already-resolved value,
// so an explicit failRate:0 or burst:0 in patch is never mistaken for
// "not supplied" and silently replaced.
func resolveRuleDefaults(r *Rule, patch *RulePatch) {
	switch r.ChaosType {
	case ChaosLatency:
		if patch.LatencyMs == 0 && patch.LatencyMinMs == 0 && patch.LatencyMaxMs == 0 {
			r.LatencyMinMs = 100
			r.LatencyMaxMs = 1000
		}
	case ChaosError:
		if patch.ErrorStatusCode == 0 {
			r.ErrorStatusCode = 500
		}
		if patch.ErrorMessage == "" {
			r.ErrorMessage = "Internal Server Error"
		}
	case ChaosTimeout:
		if patch.TimeoutMs == nil {
			r.TimeoutMs = 8000
		}
	case ChaosRateLimit:
		if patch.FailRate == nil {
			r.FailRate = 50
		}
	case ChaosTokenBucket:
		if patch.RPS == nil {
			r.RPS = 10
		}
		if patch.Burst == nil {
			r.Burst = r.RPS
		}
	}
	if len(r.Methods) == 0 {
		r.Methods = []string{"*"}
	}
}

// mergeRule applies patch onto a clone of base, giving true merge-
// patch semantics for PUT /rules/:id: a field absent from patch (nil
// pointer, or empty string/slice for the unambiguous fields) leaves
// base's stored value untouched, including Enabled and the token-
// bucket/rate-limit/timeout parameters that can legitimately be zero.
// Passing the full rule back (updateRule(id, getRule(id)) widened to
// a patch) is therefore idempotent without any special-casing.
func mergeRule(base *Rule, patch *RulePatch) *Rule {
	out := base.clone()
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.Enabled != nil {
		out.Enabled = *patch.Enabled
	}
	if patch.PathPattern != "" {
		out.PathPattern = patch.PathPattern
	}
	if len(patch.Methods) > 0 {
		out.Methods = append([]string(nil), patch.Methods...)
	}
	if patch.ChaosType != "" {
		out.ChaosType = patch.ChaosType
	}
	if patch.LatencyMs != 0 {
		out.LatencyMs = patch.LatencyMs
	}
	if patch.LatencyMinMs != 0 {
		out.LatencyMinMs = patch.LatencyMinMs
	}
	if patch.LatencyMaxMs != 0 {
		out.LatencyMaxMs = patch.LatencyMaxMs
	}
	if patch.ErrorStatusCode != 0 {
		out.ErrorStatusCode = patch.ErrorStatusCode
	}
	if patch.ErrorMessage != "" {
		out.ErrorMessage = patch.ErrorMessage
	}
	if patch.JitterMs != 0 {
		out.JitterMs = patch.JitterMs
	}
	if patch.TimeoutMs != nil {
		out.TimeoutMs = *patch.TimeoutMs
	}
	if patch.FailRate != nil {
		out.FailRate = *patch.FailRate
	}
	if patch.RPS != nil {
		out.RPS = *patch.RPS
	}
	if patch.Burst != nil {
		out.Burst = *patch.Burst
	}
	return out
}
