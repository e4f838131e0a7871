package session

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func WallClock() Clock { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewManualClock(now time.Time) *ManualClock { return &ManualClock{now: now} }

func (m *ManualClock) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

func (m *ManualClock) Advance(d time.Duration) time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
