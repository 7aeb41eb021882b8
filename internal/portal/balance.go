package portal

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/inspired27/aldidata/internal/metrics"
)

// Balance is a line's parsed data balance, in gigabytes. Either field may be
// nil when the portal's item list does not carry the counter.
type Balance struct {
	PlanRemainingGB *float64
	UsedGB          *float64
}

type balanceItem struct {
	PlanName   string `json:"plan_name"`
	PlanNameUC string `json:"PLAN_NAME"`
	Value      any    `json:"value"`
	ValueUC    any    `json:"VALUE"`
}

type balancePayload struct {
	ResourceItems   []balanceItem `json:"resource_items"`
	ResourceBalance []balanceItem `json:"RESOURCE_BALANCE"`
}

func (it balanceItem) name() string {
	if it.PlanName != "" {
		return strings.ToLower(strings.TrimSpace(it.PlanName))
	}
	return strings.ToLower(strings.TrimSpace(it.PlanNameUC))
}

func (it balanceItem) rawValue() any {
	if it.Value != nil {
		return it.Value
	}
	return it.ValueUC
}

// mbToGB converts a megabyte figure of whatever JSON type the portal emits.
func mbToGB(v any) *float64 {
	var mb float64
	switch x := v.(type) {
	case float64:
		mb = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		mb = f
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		mb = f
	default:
		return nil
	}
	gb := mb / 1024.0
	return &gb
}

// parseBalance pulls the remaining and used counters from the portal's
// heterogeneous item list. Labels are matched case-insensitively.
func parseBalance(body string) (Balance, error) {
	var payload balancePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Balance{}, err
	}

	items := payload.ResourceItems
	if len(items) == 0 {
		items = payload.ResourceBalance
	}

	var out Balance
	for _, it := range items {
		name := it.name()
		switch {
		case strings.Contains(name, "plan data remaining"):
			out.PlanRemainingGB = mbToGB(it.rawValue())
		case strings.Contains(name, "data usage counter"):
			out.UsedGB = mbToGB(it.rawValue())
		}
	}
	return out, nil
}

// FetchBalance calls the line's JSON status endpoint. A non-JSON reply (a
// stale session being redirected to the login page) forces one
// re-authentication and retry before failing with BALANCE_PARSE_FAIL.
func (s *Session) FetchBalance(line string, rep Reporter) (Balance, error) {
	rawURL := strings.ReplaceAll(s.cfg.BalanceURL, "{line}", line)
	accept := map[string]string{"Accept": "application/json,*/*"}

	start := time.Now()
	defer func() {
		metrics.BalanceFetchDuration.Observe(time.Since(start).Seconds())
	}()

	resp, err := s.client.Get(rawURL, accept)
	if err != nil {
		return Balance{}, err
	}
	if err := checkStatus(resp, "GET", rawURL); err != nil {
		return Balance{}, err
	}

	if !isJSONResponse(resp) {
		s.Invalidate()
		if err := s.EnsureLoggedIn(rep); err != nil {
			return Balance{}, err
		}
		resp, err = s.client.Get(rawURL, accept)
		if err != nil {
			return Balance{}, err
		}
		if err := checkStatus(resp, "GET", rawURL); err != nil {
			return Balance{}, err
		}
	}

	bal, err := parseBalance(resp.Body)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(CodeBalanceParseFail).Inc()
		return Balance{}, &UpstreamError{
			Code:        CodeBalanceParseFail,
			UserMessage: "Failed to parse balance JSON.",
			Stage:       "GET " + urlPath(rawURL),
			cause:       err,
		}
	}
	return bal, nil
}

func isJSONResponse(resp *Response) bool {
	ctype := strings.ToLower(resp.ContentType)
	if !strings.Contains(ctype, "application/json") {
		return false
	}
	return !strings.HasPrefix(strings.TrimSpace(resp.Body), "<")
}
