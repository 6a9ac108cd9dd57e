package proxy

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestRule(id, name string, chaosType ChaosType) *Rule {
	r := &Rule{
		ID:          id,
		Name:        name,
		Enabled:     true,
		PathPattern: ".*",
		Methods:     []string{"*"},
		ChaosType:   chaosType,
	}
	r.compilePattern()
	return r
}

func TestPipeline_EvaluatePre_NoMatch(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)

	d := p.evaluatePre("/anything", "GET")
	if d.Terminal != terminalNone {
		t.Fatalf("expected no terminal decision, got %v", d.Terminal)
	}
	if len(d.Actions) != 1 || d.Actions[0] != "match:no_rule" {
		t.Errorf("expected [match:no_rule], got %v", d.Actions)
	}
	if d.Rule != nil {
		t.Error("expected no rule carried forward")
	}
}

func TestPipeline_EvaluatePre_Error(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "forced-error", ChaosError)
	rule.ErrorStatusCode = 503
	rule.ErrorMessage = "nope"
	e.rules = append(e.rules, rule)

	d := p.evaluatePre("/x", "GET")
	if d.Terminal != terminalResponse {
		t.Fatalf("expected terminal response, got %v", d.Terminal)
	}
	if d.StatusCode != 503 {
		t.Errorf("expected status 503, got %d", d.StatusCode)
	}
	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		t.Fatalf("body not valid json: %v", err)
	}
	if body["message"] != "nope" || body["error"] != true || body["chaosMonkey"] != true {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestPipeline_EvaluatePre_DropRateAlwaysTriggersAt100(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "drop-all", ChaosRateLimit)
	rule.FailRate = 100
	e.rules = append(e.rules, rule)

	for i := 0; i < 20; i++ {
		d := p.evaluatePre("/x", "GET")
		if d.Terminal != terminalResponse || d.StatusCode != 429 {
			t.Fatalf("iteration %d: expected 429 terminal with failRate=100, got %v/%d", i, d.Terminal, d.StatusCode)
		}
	}
}

func TestPipeline_EvaluatePre_DropRateNeverTriggersAt0(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "drop-none", ChaosRateLimit)
	rule.FailRate = 0
	e.rules = append(e.rules, rule)

	for i := 0; i < 100; i++ {
		d := p.evaluatePre("/x", "GET")
		if d.Terminal == terminalResponse {
			t.Fatalf("iteration %d: failRate=0 must never trigger a drop", i)
		}
	}
}

func TestPipeline_EvaluatePre_TokenBucket(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "bucket", ChaosTokenBucket)
	rule.RPS = 2
	rule.Burst = 2
	e.rules = append(e.rules, rule)

	var results []bool
	var retryAfter string
	for i := 0; i < 4; i++ {
		d := p.evaluatePre("/x", "GET")
		if d.Terminal == terminalNone {
			results = append(results, true)
		} else {
			results = append(results, false)
			if i == 2 {
				for k, v := range d.Headers {
					if k == "Retry-After" {
						retryAfter = v
					}
				}
			}
		}
	}
	want := []bool{true, true, false, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("request %d: expected allowed=%v, got %v", i, want[i], results[i])
		}
	}
	if retryAfter != "1" {
		t.Errorf("expected Retry-After: 1 on third request, got %q", retryAfter)
	}
}

func TestPipeline_EvaluatePre_Timeout(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "slow", ChaosTimeout)
	rule.TimeoutMs = 300
	rule.JitterMs = 0
	e.rules = append(e.rules, rule)

	d := p.evaluatePre("/slow", "GET")
	if d.Terminal != terminalHang {
		t.Fatalf("expected terminal hang, got %v", d.Terminal)
	}
	if d.HangDuration.Milliseconds() != 300 {
		t.Errorf("expected 300ms hang duration, got %v", d.HangDuration)
	}
}

func TestPipeline_EvaluatePre_TimeoutZero(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)
	rule := newTestRule("r1", "instant", ChaosTimeout)
	rule.TimeoutMs = 0
	rule.JitterMs = 0
	e.rules = append(e.rules, rule)

	d := p.evaluatePre("/slow", "GET")
	if d.Terminal != terminalHang || d.HangDuration != 0 {
		t.Fatalf("expected immediate (0ms) hang, got %v/%v", d.Terminal, d.HangDuration)
	}
}

func TestPipeline_EvaluatePre_LatencyAndCorruptAreNotTerminal(t *testing.T) {
	e := NewEngine()
	p := newPipeline(e)

	latRule := newTestRule("r1", "lat", ChaosLatency)
	e.rules = append(e.rules, latRule)
	d := p.evaluatePre("/x", "GET")
	if d.Terminal != terminalNone || d.Rule == nil {
		t.Fatalf("expected latency to proceed with rule carried forward, got %v/%v", d.Terminal, d.Rule)
	}

	e.rules = nil
	corruptRule := newTestRule("r2", "corrupt", ChaosCorrupt)
	e.rules = append(e.rules, corruptRule)
	d = p.evaluatePre("/x", "GET")
	if d.Terminal != terminalNone || d.Rule == nil {
		t.Fatalf("expected corrupt to proceed with rule carried forward, got %v/%v", d.Terminal, d.Rule)
	}
}

func TestPipeline_EvaluatePost_NilRule(t *testing.T) {
	p := newPipeline(NewEngine())
	eff := p.evaluatePost(nil)
	if eff.DelayMs != 0 || eff.Corrupt {
		t.Errorf("expected no effects for nil rule, got %+v", eff)
	}
}

func TestPipeline_EvaluatePost_FixedLatency(t *testing.T) {
	p := newPipeline(NewEngine())
	rule := newTestRule("r1", "lat", ChaosLatency)
	rule.LatencyMs = 200
	eff := p.evaluatePost(rule)
	if eff.DelayMs != 200 {
		t.Errorf("expected fixed delay of 200ms, got %d", eff.DelayMs)
	}
	if eff.Action != "latency:200ms" {
		t.Errorf("unexpected action %q", eff.Action)
	}
}

func TestPipeline_EvaluatePost_RangeLatency(t *testing.T) {
	p := newPipeline(NewEngine())
	rule := newTestRule("r1", "lat", ChaosLatency)
	rule.LatencyMs = 0
	rule.LatencyMinMs = 50
	rule.LatencyMaxMs = 150

	for i := 0; i < 50; i++ {
		eff := p.evaluatePost(rule)
		if eff.DelayMs < 50 || eff.DelayMs > 150 {
			t.Fatalf("iteration %d: expected delay in [50,150], got %d", i, eff.DelayMs)
		}
	}
}

func TestPipeline_EvaluatePost_Corrupt(t *testing.T) {
	p := newPipeline(NewEngine())
	rule := newTestRule("r1", "corrupt", ChaosCorrupt)
	eff := p.evaluatePost(rule)
	if !eff.Corrupt {
		t.Error("expected corrupt=true")
	}
}

func TestCorruptJsonBody_Object(t *testing.T) {
	in := []byte(`{"a":1,"b":2,"c":3}`)
	for i := 0; i < 50; i++ {
		out, action := corruptJsonBody(in)
		if !strings.HasPrefix(action, "corrupt_json:removed_key:") && !strings.HasPrefix(action, "corrupt_json:null_value:") {
			t.Fatalf("unexpected action %q", action)
		}
		var orig, mutated map[string]any
		if err := json.Unmarshal(in, &orig); err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(out, &mutated); err != nil {
			t.Fatalf("corrupted body is not valid json: %v", err)
		}
		if len(mutated) > len(orig) {
			t.Fatalf("mutated object grew: %v -> %v", orig, mutated)
		}
	}
}

func TestCorruptJsonBody_Array(t *testing.T) {
	in := []byte(`[1,2,3,4]`)
	out, action := corruptJsonBody(in)
	if !strings.HasPrefix(action, "corrupt_json:removed_index:") && !strings.HasPrefix(action, "corrupt_json:null_index:") {
		t.Fatalf("unexpected action %q", action)
	}
	var mutated []any
	if err := json.Unmarshal(out, &mutated); err != nil {
		t.Fatalf("corrupted body is not valid json: %v", err)
	}
	if len(mutated) != 4 && len(mutated) != 3 {
		t.Fatalf("unexpected mutated length %d", len(mutated))
	}
}

func TestCorruptJsonBody_EmptyArray(t *testing.T) {
	in := []byte(`[]`)
	out, action := corruptJsonBody(in)
	if action != "corrupt_json:skipped(reason=empty_array)" {
		t.Errorf("unexpected action %q", action)
	}
	if string(out) != string(in) {
		t.Errorf("expected body unchanged, got %s", out)
	}
}

func TestCorruptJsonBody_EmptyObject(t *testing.T) {
	in := []byte(`{}`)
	out, action := corruptJsonBody(in)
	if action != "corrupt_json:skipped(reason=empty_object)" {
		t.Errorf("unexpected action %q", action)
	}
	if string(out) != string(in) {
		t.Errorf("expected body unchanged, got %s", out)
	}
}

func TestCorruptJsonBody_Primitive(t *testing.T) {
	in := []byte(`42`)
	out, action := corruptJsonBody(in)
	if action != "corrupt_json:skipped(reason=primitive_value)" {
		t.Errorf("unexpected action %q", action)
	}
	if string(out) != string(in) {
		t.Errorf("expected body unchanged, got %s", out)
	}
}

func TestCorruptJsonBody_ParseError(t *testing.T) {
	in := []byte(`{not json`)
	out, action := corruptJsonBody(in)
	if action != "corrupt_json:skipped(reason=parse_error)" {
		t.Errorf("unexpected action %q", action)
	}
	if string(out) != string(in) {
		t.Errorf("expected body unchanged, got %s", out)
	}
}

func TestCorruptJsonBody_NeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil, []byte(""), []byte("null"), []byte(`"a string"`), []byte("true"),
		[]byte(`{"a":[1,2,{"b":3}]}`), []byte(`[[1,2],[3,4]]`),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("corruptJsonBody panicked on %q: %v", in, r)
				}
			}()
			corruptJsonBody(in)
		}()
	}
}
