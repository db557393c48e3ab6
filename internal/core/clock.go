package core

import "time"

// Clock supplies the operation timestamp.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// monotonicClock clamps its source so that samples never go backwards.
type monotonicClock struct {
	src  Clock
	last time.Time
}

func (m *monotonicClock) sample() time.Time {
	now := m.src.Now()
	if now.Before(m.last) {
		now = m.last
	}
	m.last = now
	return now
}
