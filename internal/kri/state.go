package kri

import (
	"sync"
	"time"
)

// MonitorState holds the counters the monitor and tracker update while
// running. One instance is shared by a Tracker and its Monitor.
type MonitorState struct {
	mu             sync.Mutex
	ticks          int64
	failedTicks    int64
	evaluations    int64
	breachesOpened int64
	breachesClosed int64
	alertsSent     int64
	alertsFailed   int64
	alertsSkipped  int64
	lastTick       time.Time
	lastTickErr    string
}

// NewMonitorState returns a zeroed state.
func NewMonitorState() *MonitorState {
	return &MonitorState{}
}

// StateSnapshot is a copy of MonitorState safe to share.
type StateSnapshot struct {
	Ticks          int64     `json:"ticks"`
	FailedTicks    int64     `json:"failedTicks"`
	Evaluations    int64     `json:"evaluations"`
	BreachesOpened int64     `json:"breachesOpened"`
	BreachesClosed int64     `json:"breachesResolved"`
	AlertsSent     int64     `json:"alertsSent"`
	AlertsFailed   int64     `json:"alertsFailed"`
	AlertsSkipped  int64     `json:"alertsSkipped"`
	LastTick       time.Time `json:"lastTick"`
	LastTickError  string    `json:"lastTickError,omitempty"`
}

// Snapshot copies the current counters.
func (s *MonitorState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Ticks:          s.ticks,
		FailedTicks:    s.failedTicks,
		Evaluations:    s.evaluations,
		BreachesOpened: s.breachesOpened,
		BreachesClosed: s.breachesClosed,
		AlertsSent:     s.alertsSent,
		AlertsFailed:   s.alertsFailed,
		AlertsSkipped:  s.alertsSkipped,
		LastTick:       s.lastTick,
		LastTickError:  s.lastTickErr,
	}
}

func (s *MonitorState) recordTick(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.lastTick = at
	s.lastTickErr = ""
	if err != nil {
		s.failedTicks++
		s.lastTickErr = err.Error()
	}
}

func (s *MonitorState) recordEvaluation(tr Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations++
	switch tr.Kind {
	case TransitionOpened:
		s.breachesOpened++
	case TransitionLevelChanged:
		s.breachesOpened++
		if tr.Previous != nil && !tr.Previous.IsOpen() {
			s.breachesClosed++
		}
	case TransitionResolved:
		s.breachesClosed++
	}
}

func (s *MonitorState) recordAlert(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case alertSent:
		s.alertsSent++
	case alertSkipped:
		s.alertsSkipped++
	default:
		s.alertsFailed++
	}
}
