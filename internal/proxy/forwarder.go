package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxHangDuration bounds the configured timeout-hang duration
// regardless of the rule's requested value, to bound resource
// retention under a misconfigured rule.
const maxHangDuration = 5 * time.Minute

// maxBodyBytes caps how much of an inbound request body the forwarder
// will buffer before giving up on streaming it faithfully.
const maxBodyBytes = 32 << 20 // 32MB

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

// Forwarder is the Proxy Forwarder (C5): it owns the HTTP client used
// for upstream calls and wires the engine's pipeline into every
// request on the proxy surface.
type Forwarder struct {
	engine   *Engine
	pipeline *pipeline
	client   *http.Client
	metrics  *metricsRecorder
}

// NewForwarder builds a Forwarder over engine's state and rule set.
func NewForwarder(engine *Engine, metrics *metricsRecorder) *Forwarder {
	return &Forwarder{
		engine:   engine,
		pipeline: newPipeline(engine),
		client: &http.Client{
			// No engine-imposed timeout: a configured chaos `timeout`
			// must not be short-circuited by a client-wide deadline.
			Timeout: 0,
		},
		metrics: metrics,
	}
}

// ServeHTTP implements the ANY /proxy/* surface. targetPath is the
// suffix after the "/proxy" prefix, already stripped by the caller.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request, targetPath string) {
	start := time.Now()
	cfg := f.engine.GetConfig()

	if f.metrics != nil {
		f.metrics.observeProxied()
	}

	if cfg.TargetURL == "" {
		f.respondJSON(w, 503, map[string]any{
			"error":   true,
			"message": "No target URL configured",
			"details": "Set a target URL via the management interface before using the proxy.",
		})
		f.logOutcome(r, targetPath, 503, time.Since(start), false, "", "", "", nil)
		return
	}

	bodyBytes, err := readLimitedBody(r)
	if err != nil {
		f.respondJSON(w, 502, map[string]any{
			"error":   true,
			"message": "Failed to read request body",
			"details": err.Error(),
		})
		f.logOutcome(r, targetPath, 502, time.Since(start), false, "", "", "", nil)
		return
	}

	upstreamURL, err := buildUpstreamURL(cfg.TargetURL, targetPath, r.URL.RawQuery)
	if err != nil {
		f.respondJSON(w, 502, map[string]any{
			"error":   true,
			"message": "Invalid target URL",
			"details": err.Error(),
		})
		f.logOutcome(r, targetPath, 502, time.Since(start), false, "", "", "", nil)
		return
	}

	filteredHeaders := filterHeaders(r.Header)

	if !cfg.Enabled {
		f.forwardToUpstream(w, r, upstreamURL, filteredHeaders, bodyBytes, start, targetPath,
			[]string{"chaos:disabled"}, nil)
		return
	}

	decision := f.pipeline.evaluatePre(targetPath, r.Method)

	switch decision.Terminal {
	case terminalResponse:
		for k, v := range decision.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(decision.StatusCode)
		w.Write(decision.Body)
		f.logPipelineOutcome(r, targetPath, decision.StatusCode, time.Since(start), decision.Actions, decision.Rule)
		if f.metrics != nil && decision.Rule != nil {
			f.metrics.observeChaos(decision.Rule.ChaosType)
		}
		return

	case terminalHang:
		f.hang(w, r, targetPath, decision, start)
		return

	default:
		f.forwardToUpstream(w, r, upstreamURL, filteredHeaders, bodyBytes, start, targetPath,
			decision.Actions, decision.Rule)
	}
}

// hang implements the "acquire the raw connection before the timer
// fires" note: it takes over the socket via Hijack and, after the
// planned duration (capped at maxHangDuration), destroys it without
// ever writing HTTP bytes. The log entry is appended immediately so
// observers see the event at the moment of entry, not at teardown.
func (f *Forwarder) hang(w http.ResponseWriter, r *http.Request, targetPath string, decision preDecision, start time.Time) {
	duration := decision.HangDuration
	if duration > maxHangDuration {
		duration = maxHangDuration
	}

	f.logPipelineOutcome(r, targetPath, "timeout", duration, decision.Actions, decision.Rule)
	if f.metrics != nil && decision.Rule != nil {
		f.metrics.observeChaos(decision.Rule.ChaosType)
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		// Platform forces a response from this handler: the best
		// available approximation is to hold, then close without a
		// body. This path should not be reached with net/http's
		// standard server, which always supports hijacking on TCP.
		<-time.After(duration)
		return
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	// Hijack stops net/http's background reader on this connection, so
	// r.Context() is never canceled by a client disconnect from here
	// on — nothing is watching the socket unless we do it ourselves.
	// A read on the raw conn blocks until the peer sends something
	// (never, on this path) or closes the socket, which is exactly the
	// abort signal we need.
	aborted := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		close(aborted)
	}()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-aborted:
	}
}

func (f *Forwarder) forwardToUpstream(w http.ResponseWriter, r *http.Request, upstreamURL *url.URL,
	headers http.Header, bodyBytes []byte, start time.Time, targetPath string, actions []string, matchedRule *Rule) {

	actions = append(actions, "upstream:request")
	if f.metrics != nil && matchedRule != nil {
		f.metrics.observeChaos(matchedRule.ChaosType)
	}

	var reqBody io.Reader
	if len(bodyBytes) > 0 && r.Method != http.MethodGet && r.Method != http.MethodHead {
		reqBody = bytes.NewReader(bodyBytes)
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), reqBody)
	if err != nil {
		f.respondUpstreamError(w, r, targetPath, start, err)
		return
	}
	upReq.Header = headers

	resp, err := f.client.Do(upReq)
	if err != nil {
		f.respondUpstreamError(w, r, targetPath, start, err)
		return
	}
	defer resp.Body.Close()

	actions = append(actions, fmt.Sprintf("upstream:%d", resp.StatusCode))
	if f.metrics != nil {
		f.metrics.observeUpstream(resp.StatusCode)
	}

	effects := f.pipeline.evaluatePost(matchedRule)
	if effects.Action != "" {
		actions = append(actions, effects.Action)
	}

	if effects.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(effects.DelayMs) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	copyResponseHeaders(w.Header(), resp.Header)

	if effects.Corrupt && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(resp.Body)
		if err == nil {
			newBody, action := corruptJsonBody(body)
			actions = append(actions, action)
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(newBody)))
			w.WriteHeader(resp.StatusCode)
			w.Write(newBody)
			f.logPipelineOutcome(r, targetPath, resp.StatusCode, time.Since(start), actions, matchedRule)
			return
		}
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	f.logPipelineOutcome(r, targetPath, resp.StatusCode, time.Since(start), actions, matchedRule)
}

// respondUpstreamError classifies err per §4.5's table and writes a 502.
func (f *Forwarder) respondUpstreamError(w http.ResponseWriter, r *http.Request, targetPath string, start time.Time, err error) {
	message, details := classifyUpstreamError(err)
	f.respondJSON(w, 502, map[string]any{
		"error":   true,
		"message": message,
		"details": details,
	})
	actions := []string{fmt.Sprintf("upstream:error:%d", 502)}
	entry := LogEntry{
		Timestamp:      time.Now(),
		Method:         r.Method,
		Path:           targetPath,
		Headers:        r.Header.Clone(),
		StatusCode:     502,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ChaosApplied:   false,
		ActionsApplied: actions,
		ChaosDetails:   fmt.Sprintf("Proxy error: %s", message),
	}
	f.engine.appendLog(entry)
}

func classifyUpstreamError(err error) (message, details string) {
	var netErr net.Error
	host := ""
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			host = u.Host
		}
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused by upstream server", fmt.Sprintf("%s is not accepting connections", host)
	case strings.Contains(errStr, "no such host"):
		return "DNS resolution failed", fmt.Sprintf("Could not resolve hostname: %s", host)
	case errors.As(err, &netErr) && netErr.Timeout():
		return "Upstream request timed out", fmt.Sprintf("No response from %s", host)
	case strings.Contains(errStr, "connection reset"):
		return "Connection reset by upstream server", ""
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "x509"):
		return "SSL/TLS certificate error", errStr
	default:
		return "Failed to reach upstream server", errStr
	}
}

// buildUpstreamURL joins targetPath onto targetURL and overwrites the
// query with rawQuery, preserving ordering and duplicate keys.
func buildUpstreamURL(targetURL, targetPath, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(targetPath)
	if err != nil {
		return nil, err
	}
	joined := base.ResolveReference(ref)
	joined.RawQuery = rawQuery
	return joined, nil
}

// filterHeaders drops hop-by-hop headers and any header named in the
// inbound Connection token list.
func filterHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	if conn := in.Get("Connection"); conn != "" {
		for _, tok := range strings.Split(conn, ",") {
			out.Del(strings.TrimSpace(tok))
		}
	}
	return out
}

// copyResponseHeaders copies all upstream headers into dst except the
// ones that must never be forwarded by an intermediary.
func copyResponseHeaders(dst, src http.Header) {
	skip := map[string]struct{}{
		"Transfer-Encoding": {}, "Connection": {}, "Keep-Alive": {},
	}
	for k, values := range src {
		if _, ok := skip[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func readLimitedBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (f *Forwarder) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// logOutcome records a non-pipeline outcome (e.g. the no-target-url
// precondition failure) with chaosApplied=false.
func (f *Forwarder) logOutcome(r *http.Request, path string, status int, elapsed time.Duration, applied bool,
	chaosType ChaosType, ruleID, ruleName string, actions []string) {
	f.engine.appendLog(LogEntry{
		Timestamp:      time.Now(),
		Method:         r.Method,
		Path:           path,
		Headers:        r.Header.Clone(),
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		ChaosApplied:   applied,
		ChaosType:      chaosType,
		ChaosRuleID:    ruleID,
		ChaosRuleName:  ruleName,
		ActionsApplied: actions,
	})
}

// logPipelineOutcome builds the log entry for a request that went
// through the pipeline (terminal or not), computing chaosDetails as
// the action sequence joined by " → ", excluding upstream:* entries.
// status is either an int or the literal string "timeout".
func (f *Forwarder) logPipelineOutcome(r *http.Request, path string, status any, elapsed time.Duration, actions []string, rule *Rule) {
	elapsedMs := elapsed.Milliseconds()

	var filtered []string
	for _, a := range actions {
		if !strings.HasPrefix(a, "upstream:") {
			filtered = append(filtered, a)
		}
	}

	entry := LogEntry{
		Timestamp:      time.Now(),
		Method:         r.Method,
		Path:           path,
		Headers:        r.Header.Clone(),
		StatusCode:     status,
		ResponseTimeMs: elapsedMs,
		ActionsApplied: actions,
		ChaosDetails:   strings.Join(filtered, " → "),
	}
	if rule != nil {
		entry.ChaosApplied = true
		entry.ChaosType = rule.ChaosType
		entry.ChaosRuleID = rule.ID
		entry.ChaosRuleName = rule.Name
	}
	f.engine.appendLog(entry)
}
