package portal

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/inspired27/aldidata/internal/metrics"
)

// FetchOverview returns the overview page body for an authenticated session,
// transparently re-authenticating once when a stale session is answered with
// the login page.
func (s *Session) FetchOverview(rep Reporter) (string, error) {
	if err := s.EnsureLoggedIn(rep); err != nil {
		return "", err
	}
	ov, err := s.fetchOverviewAuthed(rep)
	if err != nil {
		return "", err
	}
	return ov.Body, nil
}

// SubmitLimit submits a cap change for a line through the overview page's
// per-line form. The form and its one-time token are located fresh on every
// call; the portal rejects reused tokens.
func (s *Session) SubmitLimit(line, value string, rep Reporter) error {
	if err := s.EnsureLoggedIn(rep); err != nil {
		return err
	}

	step(rep, "Loading overview for update...")
	ov, err := s.fetchOverviewAuthed(rep)
	if err != nil {
		return err
	}

	step(rep, fmt.Sprintf("Locating line %s on the shared plan...", line))
	form, err := LocateUpdateForm(ov.Body, line, s.cfg.OverviewURL)
	if err != nil {
		metrics.CapUpdatesTotal.WithLabelValues("form_error").Inc()
		return err
	}

	payload := url.Values{}
	payload.Set(form.LimitField(), strings.TrimSpace(value))
	payload.Set(form.TokenName, form.TokenValue)
	payload.Set(form.SubmitField(), "Update")

	step(rep, fmt.Sprintf("Submitting limit update (%s -> %sGB)...", line, value))
	resp, err := s.client.Post(form.Action, payload, map[string]string{"Referer": s.cfg.OverviewURL})
	if err != nil {
		metrics.CapUpdatesTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := checkStatus(resp, "POST", form.Action); err != nil {
		metrics.CapUpdatesTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.CapUpdatesTotal.WithLabelValues("ok").Inc()
	return nil
}

// WaitUntilApplied polls the line's overview panel until it no longer reports
// a pending change, or the poll timeout elapses. A timeout is a reported
// outcome (done=false), not an error; elapsed is in seconds.
func (s *Session) WaitUntilApplied(line string, rep Reporter) (bool, float64, error) {
	start := s.clock.Now()
	for {
		if err := s.EnsureLoggedIn(rep); err != nil {
			return false, s.elapsedSince(start), err
		}
		ov, err := s.fetchOverviewAuthed(rep)
		if err != nil {
			return false, s.elapsedSince(start), err
		}
		text, err := PanelText(ov.Body, line)
		if err != nil {
			return false, s.elapsedSince(start), err
		}

		if !strings.Contains(text, "pending") {
			return true, s.elapsedSince(start), nil
		}

		step(rep, "Waiting for ALDI to finish pending update...")
		if s.clock.Now().Sub(start) > s.cfg.PollTimeout {
			return false, s.elapsedSince(start), nil
		}

		s.clock.Sleep(s.cfg.PollInterval)
	}
}

func (s *Session) elapsedSince(start time.Time) float64 {
	return math.Round(s.clock.Now().Sub(start).Seconds()*10) / 10
}
