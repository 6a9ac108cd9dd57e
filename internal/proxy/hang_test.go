package proxy

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestForwarder_TimeoutHangClosesSocketWithoutResponse exercises the real
// hijack-based hang path: it needs an actual TCP listener, since
// httptest.ResponseRecorder does not implement http.Hijacker.
func TestForwarder_TimeoutHangClosesSocketWithoutResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	e := NewEngine()
	url := upstream.URL
	enabled := true
	e.UpdateConfig(ConfigPatch{TargetURL: &url, Enabled: &enabled})
	e.CreateRule(&RulePatch{Name: "slow", Enabled: boolPtr(true), PathPattern: "/slow", Methods: []string{"*"}, ChaosType: ChaosTimeout, TimeoutMs: intPtr(150), JitterMs: 0})

	f := NewForwarder(e, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/proxy/", func(w http.ResponseWriter, r *http.Request) {
		f.ServeHTTP(w, r, "/slow")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Write([]byte("GET /proxy/slow HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	_, err = reader.ReadByte()
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected the socket to be closed without any HTTP bytes, got a byte instead")
	}
	if elapsed < 140*time.Millisecond {
		t.Errorf("expected the hang to last roughly the configured 150ms, closed after %v", elapsed)
	}

	logs := e.ReadLogs(1)
	if len(logs) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(logs))
	}
	status, ok := logs[0].StatusCode.(string)
	if !ok || status != "timeout" {
		t.Errorf("expected statusCode literal \"timeout\", got %v", logs[0].StatusCode)
	}
	if logs[0].ResponseTimeMs != 150 {
		t.Errorf("expected responseTime=150, got %d", logs[0].ResponseTimeMs)
	}
}

// TestForwarder_TimeoutHangAbortsOnClientDisconnect exercises the
// abort path: the client closes its side of the socket well before
// the rule's configured duration elapses, and hang() must notice and
// return promptly rather than holding the connection for the full
// (long) duration.
func TestForwarder_TimeoutHangAbortsOnClientDisconnect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	e := NewEngine()
	url := upstream.URL
	enabled := true
	e.UpdateConfig(ConfigPatch{TargetURL: &url, Enabled: &enabled})
	e.CreateRule(&RulePatch{Name: "slow", Enabled: boolPtr(true), PathPattern: "/slow", Methods: []string{"*"}, ChaosType: ChaosTimeout, TimeoutMs: intPtr(5000), JitterMs: 0})

	f := NewForwarder(e, nil)
	mux := http.NewServeMux()
	served := make(chan struct{})
	mux.HandleFunc("/proxy/", func(w http.ResponseWriter, r *http.Request) {
		f.ServeHTTP(w, r, "/slow")
		close(served)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if _, err := conn.Write([]byte("GET /proxy/slow HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Give the handler a moment to reach the hijack, then abort.
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	conn.Close()

	select {
	case <-served:
	case <-time.After(1 * time.Second):
		t.Fatal("expected ServeHTTP to return promptly after the client disconnected, not wait out the 5s timeout")
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("expected the hang to be cut short by the client abort, took %v", elapsed)
	}
}

// Capping a configured timeout to maxHangDuration is the forwarder's
// responsibility, not the pipeline's: evaluatePre reports the rule's
// requested duration uncapped, and hang() clamps it before arming the timer.
func TestPipeline_EvaluatePre_TimeoutReportsUncappedDuration(t *testing.T) {
	e := NewEngine()
	e.CreateRule(&RulePatch{Name: "huge", Enabled: boolPtr(true), PathPattern: ".*", Methods: []string{"*"}, ChaosType: ChaosTimeout, TimeoutMs: intPtr(10 * 60 * 1000)})
	p := newPipeline(e)

	d := p.evaluatePre("/x", "GET")
	if d.Terminal != terminalHang {
		t.Fatalf("expected terminal hang, got %v", d.Terminal)
	}
	if d.HangDuration < maxHangDuration {
		t.Errorf("expected the requested 10-minute duration to be carried uncapped out of the pipeline, got %v", d.HangDuration)
	}
}
