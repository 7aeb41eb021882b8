package portal

import "time"

// Clock provides time information for session and polling logic.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep pauses the calling goroutine.
func (RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// TestClock provides fixed, manually advanced time for testing.
type TestClock struct {
	CurrentTime time.Time
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	return t.CurrentTime
}

// Sleep advances the test time without blocking.
func (t *TestClock) Sleep(d time.Duration) {
	t.CurrentTime = t.CurrentTime.Add(d)
}
