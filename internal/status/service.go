package status

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inspired27/aldidata/internal/cache"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/rs/zerolog"
)

// DefaultBalanceWorkers bounds the per-line fetch fan-out.
const DefaultBalanceWorkers = 6

// StatusLoading is the placeholder status before any fetch completes.
const StatusLoading = "Loading..."

// StatusError marks a line whose last fetch failed.
const StatusError = "Error"

// Failure codes recorded on per-line cache entries when a fetch inside a
// collection pass fails. Distinct from the transport taxonomy: these mark
// which interactive path failed.
const (
	CodeHomeStatusFail = "HOME_STATUS_FAIL"
	CodeRefreshFail    = "REFRESH_FAIL"
)

// LineItem is one line's displayable state, as returned to pollers.
type LineItem struct {
	Line            string `json:"line"`
	Display         string `json:"display"`
	Text            string `json:"text"`
	Status          string `json:"status"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorTime       string `json:"error_ts,omitempty"`
	Enabled         bool   `json:"enabled"`
	NextChangeLabel string `json:"next_change_label,omitempty"`
	NextChangeGB    string `json:"next_change_gb,omitempty"`
}

// UpdateResult is the outcome of one cap change. Done is false when the
// portal was still reporting the change as pending at the poll timeout.
type UpdateResult struct {
	Line      string  `json:"line"`
	Requested string  `json:"requested"`
	Done      bool    `json:"done"`
	Elapsed   float64 `json:"elapsed"`
	Text      string  `json:"text"`
}

// Service owns the read and update paths over the portal session: the two
// caches sit between every read and the network, and the bounded fan-out
// keeps concurrent per-line fetches in check.
type Service struct {
	session     *portal.Session
	statusCache *cache.StatusCache
	limitCache  *cache.LimitCache
	matrixStore *schedule.FileStore
	lines       []string
	labels      map[string]string
	workers     int
	clock       portal.Clock
	logger      zerolog.Logger
}

// Config wires a Service.
type Config struct {
	Lines   []string
	Labels  map[string]string
	Workers int
	Clock   portal.Clock
}

// NewService creates the status service.
func NewService(session *portal.Session, statusCache *cache.StatusCache, limitCache *cache.LimitCache, matrixStore *schedule.FileStore, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBalanceWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = portal.RealClock{}
	}
	return &Service{
		session:     session,
		statusCache: statusCache,
		limitCache:  limitCache,
		matrixStore: matrixStore,
		lines:       cfg.Lines,
		labels:      cfg.Labels,
		workers:     cfg.Workers,
		clock:       cfg.Clock,
		logger:      logger.With().Str("component", "status").Logger(),
	}
}

// Lines returns the configured line numbers.
func (s *Service) Lines() []string {
	return s.lines
}

// HasLine reports whether a line is part of the managed set.
func (s *Service) HasLine(line string) bool {
	for _, l := range s.lines {
		if l == line {
			return true
		}
	}
	return false
}

// DisplayName renders a line with its optional label prefix.
func (s *Service) DisplayName(line string) string {
	if lbl := s.labels[line]; lbl != "" {
		return lbl + " – " + line
	}
	return line
}

// FormatGB renders a gigabyte figure, with an em-dash for unknown.
func FormatGB(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("%.2fGB", *v)
}

// BuildLine combines the shared cap snapshot with one line's balance into
// its display text. With a positive cap and a known usage counter the
// remaining figure is cap minus used, floored at zero; otherwise the plan's
// self-reported remaining value is shown.
func BuildLine(line string, limits map[string]*float64, bal portal.Balance) string {
	lim := limits[line]

	remaining := bal.PlanRemainingGB
	if lim != nil && bal.UsedGB != nil && *lim > 0 {
		r := *lim - *bal.UsedGB
		if r < 0 {
			r = 0
		}
		remaining = &r
	}

	return fmt.Sprintf("Limit: %s  >  Used: %s  >  Remaining: %s",
		FormatGB(lim), FormatGB(bal.UsedGB), FormatGB(remaining))
}

// Limits returns the shared cap snapshot, hitting the portal only when the
// cache is stale or force is set. The overview is fetched once for all lines.
func (s *Service) Limits(rep portal.Reporter, force bool) (map[string]*float64, error) {
	if !force {
		if limits := s.limitCache.Get(); limits != nil {
			return limits, nil
		}
	}

	if err := s.session.EnsureLoggedIn(rep); err != nil {
		return nil, err
	}
	stepReporter(rep, "Loading limits (overview)...")

	body, err := s.session.FetchOverview(rep)
	if err != nil {
		return nil, err
	}

	limits := portal.ParseLimits(body, s.lines)
	s.limitCache.Put(limits)
	return limits, nil
}

func stepReporter(rep portal.Reporter, msg string) {
	if rep != nil {
		rep.Step(msg)
	}
}

// CollectAll fetches every line's balance concurrently (bounded pool) after
// loading the shared cap snapshot once, serially. Individual fetch failures
// are captured per line without aborting siblings; failCode marks which path
// failed on the cached entry.
func (s *Service) CollectAll(rep portal.Reporter, forceLimits bool, failCode string) ([]LineItem, error) {
	limits, err := s.Limits(rep, forceLimits)
	if err != nil {
		return nil, err
	}

	total := len(s.lines)
	stepReporter(rep, fmt.Sprintf("Fetching balances (0/%d)...", total))

	type fetchResult struct {
		bal portal.Balance
		err error
	}
	results := make(map[string]fetchResult, total)

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan string)
	fetched := 0

	workers := s.workers
	if workers > total {
		workers = total
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for line := range jobs {
				bal, err := s.session.FetchBalance(line, rep)
				mu.Lock()
				results[line] = fetchResult{bal: bal, err: err}
				fetched++
				n := fetched
				mu.Unlock()
				stepReporter(rep, fmt.Sprintf("Fetching balances (%d/%d)...", n, total))
			}
		}()
	}
	for _, line := range s.lines {
		jobs <- line
	}
	close(jobs)
	wg.Wait()

	m, err := s.matrixStore.Load()
	if err != nil {
		return nil, err
	}
	loc := m.Location()
	now := s.clock.Now()

	items := make([]LineItem, 0, total)
	for _, line := range s.lines {
		res := results[line]

		item := LineItem{
			Line:    line,
			Display: s.DisplayName(line),
		}

		if ls, ok := m.Lines[line]; ok {
			item.Enabled = ls.Enabled
			if nc := schedule.NextChangeFor(ls, loc, now); nc != nil {
				item.NextChangeLabel = nc.Label
				item.NextChangeGB = nc.ValueGB
			}
		}

		if res.err != nil {
			item.Text = "Error: " + portal.PublicErrorMessage(res.err)
			item.Status = StatusError
			item.ErrorCode = failCode
			item.ErrorTime = errorTimestamp(now)
			s.logger.Warn().Err(res.err).Str("line", line).Msg("Balance fetch failed")
		} else {
			item.Text = BuildLine(line, limits, res.bal)
			item.Status = s.statusLabel(loc)
		}

		s.statusCache.Set(cache.LineStatus{
			Line:      line,
			Display:   item.Text,
			Status:    item.Status,
			ErrorCode: item.ErrorCode,
			ErrorTime: item.ErrorTime,
			At:        now,
		})

		items = append(items, item)
	}

	return items, nil
}

// CachedItems returns the current per-line state without touching the
// network: cached snapshots where fresh, loading placeholders otherwise.
func (s *Service) CachedItems() ([]LineItem, error) {
	m, err := s.matrixStore.Load()
	if err != nil {
		return nil, err
	}
	loc := m.Location()
	now := s.clock.Now()

	items := make([]LineItem, 0, len(s.lines))
	for _, line := range s.lines {
		item := LineItem{
			Line:    line,
			Display: s.DisplayName(line),
			Text:    StatusLoading,
			Status:  StatusLoading,
		}

		if st, ok := s.statusCache.Get(line); ok {
			item.Text = st.Display
			item.Status = st.Status
			item.ErrorCode = st.ErrorCode
			item.ErrorTime = st.ErrorTime
		}

		if ls, ok := m.Lines[line]; ok {
			item.Enabled = ls.Enabled
			if nc := schedule.NextChangeFor(ls, loc, now); nc != nil {
				item.NextChangeLabel = nc.Label
				item.NextChangeGB = nc.ValueGB
			}
		}

		items = append(items, item)
	}
	return items, nil
}

// SetLimitAndWait submits a cap change for a line and polls the portal until
// the change leaves its pending state or the poll timeout elapses, then
// rebuilds the line's cached display.
func (s *Service) SetLimitAndWait(line, value string, rep portal.Reporter) (*UpdateResult, error) {
	if err := s.session.SubmitLimit(line, value, rep); err != nil {
		return nil, err
	}

	// The panel no longer matches what we have cached.
	s.statusCache.Evict(line)
	if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		s.limitCache.SetOne(line, &f)
	} else {
		s.limitCache.SetOne(line, nil)
	}

	done, elapsed, err := s.session.WaitUntilApplied(line, rep)
	if err != nil {
		return nil, err
	}

	limits, err := s.Limits(rep, false)
	if err != nil {
		return nil, err
	}
	bal, err := s.session.FetchBalance(line, rep)
	if err != nil {
		return nil, err
	}
	text := BuildLine(line, limits, bal)

	m, mErr := s.matrixStore.Load()
	loc := time.Local
	if mErr == nil {
		loc = m.Location()
	}

	s.statusCache.Set(cache.LineStatus{
		Line:    line,
		Display: text,
		Status:  s.statusLabel(loc),
		At:      s.clock.Now(),
	})

	return &UpdateResult{
		Line:      line,
		Requested: value,
		Done:      done,
		Elapsed:   elapsed,
		Text:      text,
	}, nil
}

// statusLabel is the "fetched at" label shown next to a healthy line.
func (s *Service) statusLabel(loc *time.Location) string {
	return s.clock.Now().In(loc).Format("Mon 02 Jan 15:04")
}

func errorTimestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z07:00")
}
