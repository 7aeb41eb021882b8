package status

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inspired27/aldidata/internal/cache"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/schedule"
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
<div class="panel">
  <div class="service" data-service_number="0491570157"></div>
  <div id="usageLimitDivconsumerUsageLimit48211">Usage limit: 5 GB</div>
</div>
</body></html>`

// fakePlan is a pre-authenticated portal stub: overview with two lines and
// per-line balance JSON, with per-line failure injection.
type fakePlan struct {
	mu           sync.Mutex
	overviewHits int
	balanceHits  map[string]int
	failBalance  map[string]bool

	srv *httptest.Server
}

func newFakePlan(t *testing.T) *fakePlan {
	t.Helper()
	p := &fakePlan{
		balanceHits: make(map[string]int),
		failBalance: make(map[string]bool),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlan) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.URL.Path == "/overview":
		p.overviewHits++
		fmt.Fprint(w, overviewFixture)

	case strings.HasPrefix(r.URL.Path, "/balance/"):
		line := strings.TrimPrefix(r.URL.Path, "/balance/")
		p.balanceHits[line]++
		if p.failBalance[line] {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"resource_items":[
			{"plan_name":"Plan Data Remaining","value":10240},
			{"plan_name":"Data Usage Counter","value":2048}
		]}`)

	case strings.HasPrefix(r.URL.Path, "/admin/s/"):
		// Cap update form action; the overview never shows pending.
	}
}

func newTestService(t *testing.T, p *fakePlan) (*Service, *cache.StatusCache, *cache.LimitCache) {
	t.Helper()

	lines := []string{"0491570156", "0491570157"}
	client := portal.NewClient(portal.ClientConfig{})
	session := portal.NewSession(client, portal.SessionConfig{
		OverviewURL:  p.srv.URL + "/overview",
		LoginPageURL: p.srv.URL + "/login",
		LoginPostURL: p.srv.URL + "/login_check",
		BalanceURL:   p.srv.URL + "/balance/{line}",
		Username:     "user@example.com",
		Password:     "hunter2",
	}, &portal.TestClock{CurrentTime: time.Now()}, zerolog.Nop())

	statusCache := cache.NewStatusCache(time.Minute)
	limitCache := cache.NewLimitCache(time.Minute)

	path := filepath.Join(t.TempDir(), "schedule_matrix.json")
	matrixStore := schedule.NewFileStore(path, lines, zerolog.Nop())

	svc := NewService(session, statusCache, limitCache, matrixStore, Config{
		Lines:   lines,
		Labels:  map[string]string{"0491570156": "Kids"},
		Workers: 2,
		Clock:   &portal.TestClock{CurrentTime: time.Now()},
	}, zerolog.Nop())

	return svc, statusCache, limitCache
}

func f64(v float64) *float64 { return &v }

func TestFormatGB(t *testing.T) {
	if got := FormatGB(f64(2.5)); got != "2.50GB" {
		t.Errorf("FormatGB(2.5) = %q", got)
	}
	if got := FormatGB(nil); got != "—" {
		t.Errorf("FormatGB(nil) = %q", got)
	}
}

func TestBuildLine(t *testing.T) {
	tests := []struct {
		name   string
		limits map[string]*float64
		bal    portal.Balance
		want   string
	}{
		{
			name:   "cap and usage known",
			limits: map[string]*float64{"l": f64(20)},
			bal:    portal.Balance{PlanRemainingGB: f64(50), UsedGB: f64(2)},
			want:   "Limit: 20.00GB  >  Used: 2.00GB  >  Remaining: 18.00GB",
		},
		{
			name:   "usage above cap floors at zero",
			limits: map[string]*float64{"l": f64(2)},
			bal:    portal.Balance{PlanRemainingGB: f64(50), UsedGB: f64(3)},
			want:   "Limit: 2.00GB  >  Used: 3.00GB  >  Remaining: 0.00GB",
		},
		{
			name:   "no cap falls back to plan remaining",
			limits: map[string]*float64{"l": nil},
			bal:    portal.Balance{PlanRemainingGB: f64(50), UsedGB: f64(2)},
			want:   "Limit: —  >  Used: 2.00GB  >  Remaining: 50.00GB",
		},
		{
			name:   "zero cap falls back to plan remaining",
			limits: map[string]*float64{"l": f64(0)},
			bal:    portal.Balance{PlanRemainingGB: f64(50), UsedGB: f64(2)},
			want:   "Limit: 0.00GB  >  Used: 2.00GB  >  Remaining: 50.00GB",
		},
		{
			name:   "unknown usage falls back to plan remaining",
			limits: map[string]*float64{"l": f64(20)},
			bal:    portal.Balance{PlanRemainingGB: f64(50)},
			want:   "Limit: 20.00GB  >  Used: —  >  Remaining: 50.00GB",
		},
		{
			name:   "nothing known",
			limits: map[string]*float64{},
			bal:    portal.Balance{},
			want:   "Limit: —  >  Used: —  >  Remaining: —",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildLine("l", tt.limits, tt.bal); got != tt.want {
				t.Errorf("BuildLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	svc, _, _ := newTestService(t, newFakePlan(t))

	if got := svc.DisplayName("0491570156"); got != "Kids – 0491570156" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := svc.DisplayName("0491570157"); got != "0491570157" {
		t.Errorf("DisplayName() without label = %q", got)
	}
}

func TestCollectAll(t *testing.T) {
	p := newFakePlan(t)
	svc, statusCache, _ := newTestService(t, p)

	items, err := svc.CollectAll(nil, false, CodeHomeStatusFail)
	if err != nil {
		t.Fatalf("CollectAll() error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("CollectAll() returned %d items, want 2", len(items))
	}

	byLine := make(map[string]LineItem)
	for _, it := range items {
		byLine[it.Line] = it
	}

	first := byLine["0491570156"]
	if first.Text != "Limit: 20.00GB  >  Used: 2.00GB  >  Remaining: 18.00GB" {
		t.Errorf("text for 0491570156 = %q", first.Text)
	}
	if first.ErrorCode != "" {
		t.Errorf("error code for healthy line = %q", first.ErrorCode)
	}

	if st, ok := statusCache.Get("0491570157"); !ok || st.Display == "" {
		t.Error("status cache not populated for 0491570157")
	}
}

func TestCollectAll_PartialFailure(t *testing.T) {
	p := newFakePlan(t)
	p.failBalance["0491570157"] = true
	svc, statusCache, _ := newTestService(t, p)

	items, err := svc.CollectAll(nil, false, CodeRefreshFail)
	if err != nil {
		t.Fatalf("CollectAll() error: %v", err)
	}

	byLine := make(map[string]LineItem)
	for _, it := range items {
		byLine[it.Line] = it
	}

	// The healthy line still resolves.
	if byLine["0491570156"].Status == StatusError {
		t.Error("healthy line marked as error")
	}

	failed := byLine["0491570157"]
	if failed.Status != StatusError {
		t.Errorf("failed line status = %q, want %q", failed.Status, StatusError)
	}
	if failed.ErrorCode != CodeRefreshFail {
		t.Errorf("failed line error code = %q, want %q", failed.ErrorCode, CodeRefreshFail)
	}
	if failed.ErrorTime == "" {
		t.Error("failed line has no error timestamp")
	}
	if !strings.HasPrefix(failed.Text, "Error: ") {
		t.Errorf("failed line text = %q", failed.Text)
	}

	// The failure is cached so pollers see it without refetching.
	st, ok := statusCache.Get("0491570157")
	if !ok || st.ErrorCode != CodeRefreshFail {
		t.Errorf("cached failure = (%+v, %v)", st, ok)
	}
}

func TestCollectAll_LimitCacheSkipsOverview(t *testing.T) {
	p := newFakePlan(t)
	svc, _, _ := newTestService(t, p)

	if _, err := svc.CollectAll(nil, false, CodeHomeStatusFail); err != nil {
		t.Fatalf("CollectAll() error: %v", err)
	}
	p.mu.Lock()
	hitsAfterFirst := p.overviewHits
	p.mu.Unlock()

	if _, err := svc.CollectAll(nil, false, CodeHomeStatusFail); err != nil {
		t.Fatalf("second CollectAll() error: %v", err)
	}
	p.mu.Lock()
	hitsAfterSecond := p.overviewHits
	p.mu.Unlock()

	if hitsAfterSecond != hitsAfterFirst {
		t.Errorf("overview fetched %d extra times despite a fresh cap snapshot", hitsAfterSecond-hitsAfterFirst)
	}
}

func TestCollectAll_ForceRefetchesOverview(t *testing.T) {
	p := newFakePlan(t)
	svc, _, _ := newTestService(t, p)

	if _, err := svc.CollectAll(nil, false, CodeHomeStatusFail); err != nil {
		t.Fatalf("CollectAll() error: %v", err)
	}
	p.mu.Lock()
	hitsAfterFirst := p.overviewHits
	p.mu.Unlock()

	if _, err := svc.CollectAll(nil, true, CodeRefreshFail); err != nil {
		t.Fatalf("forced CollectAll() error: %v", err)
	}
	p.mu.Lock()
	hitsAfterSecond := p.overviewHits
	p.mu.Unlock()

	if hitsAfterSecond == hitsAfterFirst {
		t.Error("forced collection did not refetch the overview")
	}
}

func TestCachedItems(t *testing.T) {
	p := newFakePlan(t)
	svc, statusCache, _ := newTestService(t, p)

	items, err := svc.CachedItems()
	if err != nil {
		t.Fatalf("CachedItems() error: %v", err)
	}
	for _, it := range items {
		if it.Text != StatusLoading {
			t.Errorf("cold cache item text = %q, want %q", it.Text, StatusLoading)
		}
	}

	statusCache.Set(cache.LineStatus{Line: "0491570156", Display: "cached text", Status: "Mon 03 Mar 07:00"})

	items, err = svc.CachedItems()
	if err != nil {
		t.Fatalf("CachedItems() error: %v", err)
	}
	byLine := make(map[string]LineItem)
	for _, it := range items {
		byLine[it.Line] = it
	}
	if byLine["0491570156"].Text != "cached text" {
		t.Errorf("cached item text = %q", byLine["0491570156"].Text)
	}
	if byLine["0491570157"].Text != StatusLoading {
		t.Errorf("uncached item text = %q", byLine["0491570157"].Text)
	}

	p.mu.Lock()
	if p.overviewHits != 0 || len(p.balanceHits) != 0 {
		t.Error("CachedItems() touched the network")
	}
	p.mu.Unlock()
}

func TestSetLimitAndWait(t *testing.T) {
	p := newFakePlan(t)
	svc, statusCache, limitCache := newTestService(t, p)

	res, err := svc.SetLimitAndWait("0491570156", "15", nil)
	if err != nil {
		t.Fatalf("SetLimitAndWait() error: %v", err)
	}

	if !res.Done {
		t.Error("result not done despite no pending state")
	}
	if res.Line != "0491570156" || res.Requested != "15" {
		t.Errorf("result = %+v", res)
	}
	if res.Text == "" {
		t.Error("result has no display text")
	}

	if st, ok := statusCache.Get("0491570156"); !ok || st.Display != res.Text {
		t.Errorf("status cache after update = (%+v, %v)", st, ok)
	}

	// The re-fetched cap snapshot covers the line.
	limits := limitCache.Get()
	if limits == nil || limits["0491570156"] == nil {
		t.Fatal("limit cache empty after update")
	}
}
