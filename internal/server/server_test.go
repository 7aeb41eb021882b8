package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inspired27/aldidata/internal/cache"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/progress"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/inspired27/aldidata/internal/status"
	"github.com/rs/zerolog"
)

const overviewFixture = `<html><body>
<div class="panel">
  <div class="service" data-service_number="0491570156"></div>
  <div id="usageLimitDivconsumerUsageLimit48210">Usage limit: 20 GB</div>
  <form class="consumerDataLimitForm" id="consumerUsageLimit48210" action="/admin/s/48210/limit" method="post">
    <input type="hidden" name="consumerUsageLimit48210[_token]" value="form-token-a"/>
    <input type="text" name="consumerUsageLimit48210[usageLimit]" value="20"/>
    <input type="submit" name="consumerUsageLimit48210[submit]" value="Update"/>
  </form>
</div>
</body></html>`

// testFixture wires a full server over a stub portal.
type testFixture struct {
	server *Server
	portal *httptest.Server
	store  progress.Store
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/overview":
			fmt.Fprint(w, overviewFixture)
		case strings.HasPrefix(r.URL.Path, "/balance/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"resource_items":[
				{"plan_name":"Plan Data Remaining","value":10240},
				{"plan_name":"Data Usage Counter","value":2048}
			]}`)
		case strings.HasPrefix(r.URL.Path, "/admin/s/"):
			// Cap update form action.
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(stub.Close)

	lines := []string{"0491570156"}
	client := portal.NewClient(portal.ClientConfig{})
	session := portal.NewSession(client, portal.SessionConfig{
		OverviewURL:  stub.URL + "/overview",
		LoginPageURL: stub.URL + "/login",
		LoginPostURL: stub.URL + "/login_check",
		BalanceURL:   stub.URL + "/balance/{line}",
		Username:     "user@example.com",
		Password:     "hunter2",
	}, &portal.TestClock{CurrentTime: time.Now()}, zerolog.Nop())

	matrixStore := schedule.NewFileStore(filepath.Join(t.TempDir(), "matrix.json"), lines, zerolog.Nop())

	svc := status.NewService(session,
		cache.NewStatusCache(time.Minute),
		cache.NewLimitCache(time.Minute),
		matrixStore,
		status.Config{Lines: lines, Workers: 2, Clock: &portal.TestClock{CurrentTime: time.Now()}},
		zerolog.Nop())

	store := progress.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(Config{
		ListenAddr:    "127.0.0.1:0",
		PortalBaseURL: stub.URL + "/overview",
	}, svc, session, store, matrixStore, zerolog.Nop())

	return &testFixture{server: srv, portal: stub, store: store}
}

func (f *testFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// pollDone polls the progress endpoint until the operation finishes.
func (f *testFixture) pollDone(t *testing.T, opID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := f.do(t, "GET", "/api/progress/"+opID, "")
		resp := decode(t, w)
		if done, _ := resp["done"].(bool); done {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operation never finished")
	return nil
}

func TestHealthz(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(t, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestUpstreamHealth(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(t, "GET", "/health/upstream", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	// An unreachable portal reports a classified failure.
	f.portal.Close()
	w = f.do(t, "GET", "/health/upstream", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	resp := decode(t, w)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("ok = true for unreachable portal")
	}
	if code, _ := resp["error_code"].(string); code == "" {
		t.Error("no error_code in failure response")
	}
}

func TestProgress_UnknownOperation(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(t, "GET", "/api/progress/no-such-op", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode(t, w)
	if done, _ := resp["done"].(bool); !done {
		t.Error("unknown operation not reported as terminal")
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("unknown operation reported as ok")
	}
	if resp["msg"] != "Unknown operation" {
		t.Errorf("msg = %v", resp["msg"])
	}
}

func TestHomeStatusFlow(t *testing.T) {
	f := newTestFixture(t)

	w := f.do(t, "POST", "/api/home-status-start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	opID, _ := decode(t, w)["op_id"].(string)
	if opID == "" {
		t.Fatal("no op_id in response")
	}

	resp := f.pollDone(t, opID)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("operation failed: %v", resp)
	}
	result, _ := resp["result"].(map[string]any)
	if result == nil || result["lines"] == nil {
		t.Errorf("result = %v", resp["result"])
	}
}

func TestSetNowFlow(t *testing.T) {
	f := newTestFixture(t)

	form := url.Values{"line": {"0491570156"}, "value": {"15"}}
	w := f.do(t, "POST", "/api/set-now-start", form.Encode())
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	opID, _ := decode(t, w)["op_id"].(string)

	resp := f.pollDone(t, opID)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("operation failed: %v", resp)
	}
	result, _ := resp["result"].(map[string]any)
	if result == nil {
		t.Fatalf("result = %v", resp["result"])
	}
	if done, _ := result["done"].(bool); !done {
		t.Errorf("update result not done: %v", result)
	}
	if result["requested"] != "15" {
		t.Errorf("requested = %v", result["requested"])
	}
}

func TestSetNow_Validation(t *testing.T) {
	f := newTestFixture(t)

	tests := []struct {
		name string
		form url.Values
	}{
		{"missing line", url.Values{"value": {"15"}}},
		{"missing value", url.Values{"line": {"0491570156"}}},
		{"unknown line", url.Values{"line": {"0400000000"}, "value": {"15"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", "/api/set-now-start", tt.form.Encode())
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestLines(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(t, "GET", "/api/lines", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode(t, w)
	lines, _ := resp["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("lines = %v", resp["lines"])
	}
	item, _ := lines[0].(map[string]any)
	if item["line"] != "0491570156" {
		t.Errorf("line = %v", item["line"])
	}
	if item["text"] != status.StatusLoading {
		t.Errorf("cold cache text = %v", item["text"])
	}
}

func TestMatrixEndpoints(t *testing.T) {
	f := newTestFixture(t)

	w := f.do(t, "GET", "/api/matrix", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/matrix status = %d", w.Code)
	}
	var m schedule.Matrix
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode matrix: %v", err)
	}

	ls := m.Lines["0491570156"]
	ls.Default[0] = schedule.Slot{Time: "07:30", Value: "20"}
	m.Lines["0491570156"] = ls

	body, _ := json.Marshal(&m)
	req := httptest.NewRequest("PUT", "/api/matrix", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/matrix status = %d: %s", rec.Code, rec.Body.String())
	}

	// Copy-defaults spreads the default row across the week.
	form := url.Values{"line": {"0491570156"}}
	w = f.do(t, "POST", "/api/matrix/copy-defaults", form.Encode())
	if w.Code != http.StatusOK {
		t.Fatalf("copy-defaults status = %d: %s", w.Code, w.Body.String())
	}
	var updated schedule.Matrix
	if err := json.NewDecoder(w.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	for _, d := range schedule.Days {
		if updated.Lines["0491570156"].Week[d][0] != (schedule.Slot{Time: "07:30", Value: "20"}) {
			t.Errorf("day %s slot 0 = %+v", d, updated.Lines["0491570156"].Week[d][0])
		}
	}
}

func TestMatrixSave_NotifiesScheduler(t *testing.T) {
	f := newTestFixture(t)
	var calls int
	f.server.OnMatrixChange(func() { calls++ })

	w := f.do(t, "GET", "/api/matrix", "")
	req := httptest.NewRequest("PUT", "/api/matrix", strings.NewReader(w.Body.String()))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/matrix status = %d", rec.Code)
	}
	if calls != 1 {
		t.Errorf("matrix change callbacks = %d, want 1", calls)
	}

	form := url.Values{"line": {"0491570156"}}
	if w := f.do(t, "POST", "/api/matrix/copy-defaults", form.Encode()); w.Code != http.StatusOK {
		t.Fatalf("copy-defaults status = %d", w.Code)
	}
	if calls != 2 {
		t.Errorf("matrix change callbacks = %d, want 2", calls)
	}
}

func TestMatrix_BadBody(t *testing.T) {
	f := newTestFixture(t)
	req := httptest.NewRequest("PUT", "/api/matrix", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCopyDefaults_UnknownLine(t *testing.T) {
	f := newTestFixture(t)
	form := url.Values{"line": {"0400000000"}}
	w := f.do(t, "POST", "/api/matrix/copy-defaults", form.Encode())
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
