package scheduler

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/inspired27/aldidata/internal/metrics"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/rs/zerolog"
)

// RunFunc executes one scheduled cap change. Errors are logged by the
// scheduler, never propagated: a failing job must not take the timer loop
// down with it.
type RunFunc func(line, value string) error

// Job is one firing slot derived from the matrix: a weekly (day, time)
// coordinate and the cap value to apply.
type Job struct {
	Line      string
	Day       string
	SlotIndex int
	Hour      int
	Minute    int
	Value     string
}

// JobsFromMatrix derives the full job set from a matrix: one job per
// (enabled line, day, populated well-formed slot), sorted for stable
// iteration. Pure; the scheduler rebuilds from scratch on every save.
func JobsFromMatrix(m *schedule.Matrix) []Job {
	var jobs []Job
	for line, ls := range m.Lines {
		if !ls.Enabled {
			continue
		}
		for _, day := range schedule.Days {
			for i, slot := range ls.Week[day] {
				if !slot.Valid() {
					continue
				}
				hour, minute, _ := schedule.ParseSlotTime(slot.Time)
				jobs = append(jobs, Job{
					Line:      line,
					Day:       day,
					SlotIndex: i,
					Hour:      hour,
					Minute:    minute,
					Value:     slot.Value,
				})
			}
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Line != jobs[b].Line {
			return jobs[a].Line < jobs[b].Line
		}
		if jobs[a].Day != jobs[b].Day {
			return dayOrder(jobs[a].Day) < dayOrder(jobs[b].Day)
		}
		return jobs[a].SlotIndex < jobs[b].SlotIndex
	})
	return jobs
}

func dayOrder(day string) int {
	for i, d := range schedule.Days {
		if d == day {
			return i
		}
	}
	return len(schedule.Days)
}

// NextFireAfter returns the job's next firing instant strictly after now,
// in the given location. Weekly slots wrap to the following week.
func (j Job) NextFireAfter(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	nowIdx := (int(now.Weekday()) + 6) % 7
	offset := (dayOrder(j.Day) - nowIdx + 7) % 7
	target := now.AddDate(0, 0, offset)
	at := time.Date(target.Year(), target.Month(), target.Day(), j.Hour, j.Minute, 0, 0, loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}

// Scheduler replays the weekly matrix: it rebuilds its job set on every
// matrix save (no incremental diffing) and fires each due job through the
// update workflow.
type Scheduler struct {
	store  *schedule.FileStore
	run    RunFunc
	logger zerolog.Logger

	lockPath  string
	fileLock  *flock.Flock
	watchFile bool

	rebuild chan []jobState
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

type jobState struct {
	job Job
	loc *time.Location
}

// New creates a scheduler over the matrix store. lockPath guards against a
// second scheduler instance on the same deployment; empty disables the guard.
func New(store *schedule.FileStore, run RunFunc, lockPath string, watchFile bool, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		run:       run,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		lockPath:  lockPath,
		watchFile: watchFile,
		rebuild:   make(chan []jobState, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start acquires the single-instance lock and begins the firing loop. When
// another process already holds the lock, Start logs and returns false
// without running; the caller keeps serving reads.
func (s *Scheduler) Start() (bool, error) {
	if s.lockPath != "" {
		s.fileLock = flock.New(s.lockPath)
		locked, err := s.fileLock.TryLock()
		if err != nil {
			return false, err
		}
		if !locked {
			s.logger.Info().Str("lock", s.lockPath).Msg("Scheduler lock held elsewhere, not starting")
			close(s.done)
			return false, nil
		}
	}

	if err := s.Reload(); err != nil {
		if s.fileLock != nil {
			_ = s.fileLock.Unlock()
		}
		return false, err
	}

	go s.runLoop()

	if s.watchFile {
		go s.watchMatrixFile()
	}

	s.logger.Info().Msg("Scheduler started")
	return true, nil
}

// Stop shuts the firing loop down and releases the single-instance lock.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	if s.fileLock != nil {
		_ = s.fileLock.Unlock()
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// Reload discards all jobs and rebuilds them from the current matrix. Safe to
// call from any goroutine; the run loop picks the job set up off the rebuild
// channel.
func (s *Scheduler) Reload() error {
	m, err := s.store.Load()
	if err != nil {
		return err
	}
	loc := m.Location()
	jobs := JobsFromMatrix(m)

	states := make([]jobState, len(jobs))
	for i, j := range jobs {
		states[i] = jobState{job: j, loc: loc}
	}

	// Replace any pending rebuild; only the latest matrix matters.
	select {
	case <-s.rebuild:
	default:
	}
	s.rebuild <- states

	s.logger.Info().Int("jobs", len(jobs)).Str("timezone", m.Timezone).Msg("Scheduler jobs rebuilt")
	return nil
}

// runLoop sleeps until the earliest next firing, fires everything due at
// that instant, and repeats. A rebuild interrupts the sleep.
func (s *Scheduler) runLoop() {
	defer close(s.done)

	var states []jobState
	select {
	case states = <-s.rebuild:
	case <-s.stop:
		return
	}

	for {
		now := s.now()
		next, due := nextFiring(states, now)

		var timer *time.Timer
		var fireCh <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(now))
			fireCh = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case states = <-s.rebuild:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fireCh:
			for _, st := range due {
				go s.fire(st.job)
			}
		}
	}
}

// nextFiring returns the earliest next fire time across all jobs and the
// jobs due at that instant.
func nextFiring(states []jobState, now time.Time) (time.Time, []jobState) {
	var next time.Time
	var due []jobState
	for _, st := range states {
		at := st.job.NextFireAfter(now, st.loc)
		switch {
		case next.IsZero() || at.Before(next):
			next = at
			due = []jobState{st}
		case at.Equal(next):
			due = append(due, st)
		}
	}
	return next, due
}

// fire runs one scheduled change. All failures are swallowed after logging.
func (s *Scheduler) fire(j Job) {
	s.logger.Info().
		Str("line", j.Line).
		Str("value", j.Value).
		Str("day", j.Day).
		Int("slot", j.SlotIndex).
		Msg("Firing scheduled cap change")

	if err := s.run(j.Line, j.Value); err != nil {
		metrics.ScheduledFiringsTotal.WithLabelValues("error").Inc()
		s.logger.Error().
			Err(err).
			Str("line", j.Line).
			Str("value", j.Value).
			Msg("Scheduled cap change failed")
		return
	}

	metrics.ScheduledFiringsTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("line", j.Line).
		Str("value", j.Value).
		Msg("Scheduled cap change complete")
}

// watchMatrixFile rebuilds jobs when the matrix file changes on disk, so
// out-of-band edits take effect without a restart.
func (s *Scheduler) watchMatrixFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to watch schedule matrix file")
		return
	}
	defer watcher.Close()

	// Watch the directory: the store replaces the file by rename, which
	// would orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.store.Path())); err != nil {
		s.logger.Warn().Err(err).Str("path", s.store.Path()).Msg("Failed to watch schedule matrix file")
		return
	}

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.store.Path() {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug().Str("event", ev.String()).Msg("Schedule matrix changed on disk")
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to rebuild jobs after matrix change")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Schedule matrix watcher error")
		}
	}
}
