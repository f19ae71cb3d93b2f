package roller

import (
	"fmt"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/discord"
)

// RunState is the lifecycle state of an Engine.
type RunState int

const (
	Stopped RunState = iota
	Running
	Paused
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// MarshalText renders the state as its name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *RunState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "running":
		*s = Running
	case "paused":
		*s = Paused
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("roller: unknown state %q", b)
	}
	return nil
}

// Severity of a log entry.
type Severity string

const (
	LevelDebug Severity = "debug"
	LevelInfo  Severity = "info"
	LevelWarn  Severity = "warn"
	LevelError Severity = "error"
)

// LogEntry is one line in an engine's recent log.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Level   Severity  `json:"level"`
	Message string    `json:"message"`
}

// Stats are the counters for the current session.
type Stats struct {
	TotalRolls   int       `json:"totalRolls"`
	ClaimedNames []string  `json:"claimedNames"`
	StartedAt    time.Time `json:"startedAt"`
}

func (s Stats) clone() Stats {
	out := s
	out.ClaimedNames = append([]string{}, s.ClaimedNames...)
	return out
}

// Snapshot is a point-in-time copy of an engine's observable state.
type Snapshot struct {
	State          RunState          `json:"state"`
	RemainingRolls int               `json:"remainingRolls"`
	QuotaCapacity  int               `json:"quotaCapacity"`
	NextRollAt     time.Time         `json:"nextRollAt"`
	ResetMinute    int               `json:"resetMinute"` // -1 until learned
	Watermark      discord.Snowflake `json:"watermark"`
	Stats          Stats             `json:"stats"`
	LastDailyRunAt time.Time         `json:"lastDailyRunAt"`
	Identity       *discord.Identity `json:"identity,omitempty"`
	Failures       int               `json:"failures"`
	Logging        bool              `json:"logging"`
	LastActivity   time.Time         `json:"lastActivity"`
}

// ring is a fixed-capacity log buffer that evicts the oldest entry.
type ring struct {
	buf   []LogEntry
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]LogEntry, capacity)}
}

func (r *ring) push(e LogEntry) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// entries returns the buffered entries oldest first.
func (r *ring) entries() []LogEntry {
	out := make([]LogEntry, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() {
	r.start, r.n = 0, 0
}
