// Package roller runs the per-credential automation loop: paced rolls
// against the remote quota, claim detection, word-game answers and the
// daily bonus.
package roller

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/keywords"
	"github.com/fortybyte/mudaeUtils/internal/wordmap"
	"github.com/rs/zerolog"
)

var (
	// ErrNotRunning is returned for operations that need a running engine.
	ErrNotRunning = errors.New("roller: engine is not running")
	// ErrPaused is returned for operations refused while paused.
	ErrPaused = errors.New("roller: engine is paused")
	// ErrInvalidCapacity is returned for a quota capacity below one.
	ErrInvalidCapacity = errors.New("roller: quota capacity must be at least 1")
	// ErrEmptyMessage is returned when asked to send blank text.
	ErrEmptyMessage = errors.New("roller: message text is empty")
)

// Observer receives engine events. Callbacks run on engine goroutines and
// must not block.
type Observer interface {
	OnLog(LogEntry)
	OnStats(Snapshot)
	OnIdentity(discord.Identity)
	// OnUnauthorized reports that the credential was rejected. The engine
	// keeps its state; the owner decides whether to stop it.
	OnUnauthorized(error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Restore carries state persisted by a previous process.
type Restore struct {
	Stats          Stats
	Identity       *discord.Identity
	LastDailyRunAt time.Time
}

// Options holds the collaborators of an Engine.
type Options struct {
	Transport discord.Transport
	Resolver  *wordmap.Resolver
	Keywords  *keywords.Matcher
	Observer  Observer
	Logger    zerolog.Logger
	Logging   bool
	Restore   *Restore
	// For testing.
	Clock Clock
	// Rand returns a value in [0, n).
	Rand func(n int) int
}

// Engine automates one credential in one channel.
type Engine struct {
	s         Settings
	transport discord.Transport
	resolver  *wordmap.Resolver
	keywords  *keywords.Matcher
	observer  Observer
	log       zerolog.Logger
	clock     Clock
	rand      func(int) int

	mu            sync.Mutex
	state         RunState
	gen           uint64
	stopCh        chan struct{}
	done          chan struct{}
	remaining     int
	capacity      int
	nextRollAt    time.Time
	resetMinute   int
	watermark     discord.Snowflake
	stats         Stats
	lastDaily     time.Time
	identity      *discord.Identity
	prompt        *wordPrompt
	wordGameUntil time.Time
	failures      int
	logging       bool
	logs          *ring
	lastActivity  time.Time
}

// New creates a stopped Engine.
func New(s Settings, opts Options) *Engine {
	s.applyDefaults()
	e := &Engine{
		s:           s,
		transport:   opts.Transport,
		resolver:    opts.Resolver,
		keywords:    opts.Keywords,
		observer:    opts.Observer,
		log:         opts.Logger,
		clock:       opts.Clock,
		rand:        opts.Rand,
		capacity:    s.QuotaCapacity,
		remaining:   s.QuotaCapacity,
		resetMinute: -1,
		logging:     opts.Logging,
		logs:        newRing(s.LogCapacity),
		prompt:      newWordPrompt(""),
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	if e.rand == nil {
		e.rand = rand.IntN
	}
	if e.resolver == nil {
		e.resolver = wordmap.NewResolver(nil, "")
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	e.stats = Stats{ClaimedNames: []string{}, StartedAt: e.clock.Now()}
	if r := opts.Restore; r != nil {
		e.stats = r.Stats.clone()
		if e.stats.StartedAt.IsZero() {
			e.stats.StartedAt = e.clock.Now()
		}
		e.lastDaily = r.LastDailyRunAt
		if r.Identity != nil {
			id := *r.Identity
			e.identity = &id
			e.prompt = newWordPrompt(id.ID)
		}
	}
	e.lastActivity = e.clock.Now()
	return e
}

// Start moves a stopped engine to Running and launches its loop. The loop
// uses ctx for remote calls and exits when ctx is done or Stop is called.
// Starting a Running or Paused engine only logs; a paused engine keeps its
// pause until Resume.
func (e *Engine) Start(ctx context.Context) {
	e.start(ctx, Running)
}

// StartPaused launches the loop in Paused. Only the identity is fetched
// until Resume; the quota probe and daily commands wait.
func (e *Engine) StartPaused(ctx context.Context) {
	e.start(ctx, Paused)
}

func (e *Engine) start(ctx context.Context, initial RunState) {
	e.mu.Lock()
	if e.state != Stopped {
		state := e.state
		e.mu.Unlock()
		e.logf(LevelWarn, "start ignored: engine is already %s", state)
		return
	}
	e.gen++
	gen := e.gen
	e.state = initial
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stopCh, e.done
	e.mu.Unlock()

	if initial == Paused {
		e.logf(LevelInfo, "engine started paused for channel %s", e.s.ChannelID)
	} else {
		e.logf(LevelInfo, "engine started for channel %s", e.s.ChannelID)
	}
	go e.run(ctx, gen, stop, done)
}

// Stop asks the loop to exit at its next suspension point. In-flight remote
// calls are not interrupted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == Stopped {
		e.mu.Unlock()
		return
	}
	e.state = Stopped
	close(e.stopCh)
	e.mu.Unlock()
	e.logf(LevelInfo, "engine stopped")
}

// Done returns a channel closed when the current lifecycle's loop has exited.
// It is nil if the engine was never started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Pause freezes pacing. Pausing a paused engine is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	switch e.state {
	case Stopped:
		e.mu.Unlock()
		return ErrNotRunning
	case Paused:
		e.mu.Unlock()
		return nil
	}
	e.state = Paused
	e.mu.Unlock()
	e.logf(LevelInfo, "engine paused")
	return nil
}

// Resume continues a paused engine. Resuming a running engine only logs.
func (e *Engine) Resume() error {
	e.mu.Lock()
	switch e.state {
	case Stopped:
		e.mu.Unlock()
		return ErrNotRunning
	case Running:
		e.mu.Unlock()
		e.logf(LevelWarn, "resume ignored: engine is not paused")
		return nil
	}
	e.state = Running
	e.mu.Unlock()
	e.logf(LevelInfo, "engine resumed")
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TriggerRoll sends one roll immediately, bypassing pacing. It draws from
// the quota only when quota remains.
func (e *Engine) TriggerRoll(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	switch e.state {
	case Stopped:
		e.mu.Unlock()
		return Snapshot{}, ErrNotRunning
	case Paused:
		e.mu.Unlock()
		return Snapshot{}, ErrPaused
	}
	e.mu.Unlock()

	if _, err := e.transport.SendMessage(ctx, e.s.ChannelID, e.s.RollCommand); err != nil {
		e.sendFailed("manual roll", err)
		return Snapshot{}, err
	}

	e.mu.Lock()
	e.failures = 0
	e.stats.TotalRolls++
	if e.remaining > 0 {
		e.remaining--
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "manual roll sent, remaining=%d total=%d", snap.RemainingRolls, snap.Stats.TotalRolls)
	e.observer.OnStats(snap)
	return snap, nil
}

// SendMessage posts arbitrary operator text to the channel.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if _, err := e.transport.SendMessage(ctx, e.s.ChannelID, text); err != nil {
		e.sendFailed("operator message", err)
		return err
	}
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	e.logf(LevelInfo, "operator message sent: %s", text)
	return nil
}

// ResetSession clears session stats and recomputes the quota window.
func (e *Engine) ResetSession(clearLogs bool) Snapshot {
	e.mu.Lock()
	now := e.clock.Now()
	e.stats = Stats{ClaimedNames: []string{}, StartedAt: now}
	e.resetQuotaLocked(now)
	if clearLogs {
		e.logs.clear()
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "session reset, next roll at %s", snap.NextRollAt.Format(time.Kitchen))
	e.observer.OnStats(snap)
	return snap
}

// SetQuotaCapacity changes the rolls granted per reset. Remaining rolls are
// clamped to the new capacity.
func (e *Engine) SetQuotaCapacity(n int) (Snapshot, error) {
	if n < 1 {
		return Snapshot{}, ErrInvalidCapacity
	}
	e.mu.Lock()
	e.capacity = n
	if e.remaining > n {
		e.remaining = n
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "quota capacity set to %d", n)
	e.observer.OnStats(snap)
	return snap, nil
}

// SetLogging toggles whether non-error entries are published.
func (e *Engine) SetLogging(on bool) {
	e.mu.Lock()
	e.logging = on
	e.mu.Unlock()
	e.logf(LevelInfo, "logging %s", map[bool]string{true: "enabled", false: "disabled"}[on])
}

// Logging reports the logging flag.
func (e *Engine) Logging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logging
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	var id *discord.Identity
	if e.identity != nil {
		cp := *e.identity
		id = &cp
	}
	return Snapshot{
		State:          e.state,
		RemainingRolls: e.remaining,
		QuotaCapacity:  e.capacity,
		NextRollAt:     e.nextRollAt,
		ResetMinute:    e.resetMinute,
		Watermark:      e.watermark,
		Stats:          e.stats.clone(),
		LastDailyRunAt: e.lastDaily,
		Identity:       id,
		Failures:       e.failures,
		Logging:        e.logging,
		LastActivity:   e.lastActivity,
	}
}

// Identity returns the cached identity, if fetched.
func (e *Engine) Identity() *discord.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identity == nil {
		return nil
	}
	cp := *e.identity
	return &cp
}

// Logs returns the recent log entries, oldest first.
func (e *Engine) Logs() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logs.entries()
}

// ClearLogs empties the log buffer.
func (e *Engine) ClearLogs() {
	e.mu.Lock()
	e.logs.clear()
	e.mu.Unlock()
	e.logf(LevelInfo, "logs cleared")
}

// LastActivity is the time of the latest log entry or loop heartbeat.
func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// RecordFailure increments and returns the consecutive failure count.
func (e *Engine) RecordFailure() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	return e.failures
}

// ResetFailures zeroes the consecutive failure count.
func (e *Engine) ResetFailures() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

// Failures returns the consecutive failure count.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// RefreshIdentity refetches the account identity.
func (e *Engine) RefreshIdentity(ctx context.Context) (*discord.Identity, error) {
	id, err := e.transport.FetchIdentity(ctx)
	if err != nil {
		if discord.IsUnauthorized(err) {
			e.logf(LevelError, "identity fetch rejected: credential is invalid or expired")
			e.observer.OnUnauthorized(err)
		} else {
			e.logf(LevelError, "failed to fetch identity: %v", err)
		}
		return nil, err
	}
	e.mu.Lock()
	e.identity = id
	e.prompt = newWordPrompt(id.ID)
	e.mu.Unlock()

	e.logf(LevelInfo, "logged in as %s", id.Tag())
	e.observer.OnIdentity(*id)
	return id, nil
}

// logf appends to the ring and mirrors to the process logger and observer
// when logging is enabled or the entry is an error.
func (e *Engine) logf(level Severity, format string, args ...any) {
	entry := LogEntry{Time: e.clock.Now(), Level: level, Message: fmt.Sprintf(format, args...)}

	e.mu.Lock()
	e.logs.push(entry)
	e.lastActivity = entry.Time
	publish := e.logging || level == LevelError
	e.mu.Unlock()

	if !publish {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = e.log.Debug()
	case LevelWarn:
		ev = e.log.Warn()
	case LevelError:
		ev = e.log.Error()
	default:
		ev = e.log.Info()
	}
	ev.Msg(entry.Message)
	e.observer.OnLog(entry)
}

// sendFailed logs a failed send and escalates a rejected credential.
func (e *Engine) sendFailed(what string, err error) {
	if discord.IsUnauthorized(err) {
		e.logf(LevelError, "%s rejected: credential is invalid or expired", what)
		e.observer.OnUnauthorized(err)
		return
	}
	e.logf(LevelError, "%s failed: %v", what, err)
}

type nopObserver struct{}

func (nopObserver) OnLog(LogEntry)              {}
func (nopObserver) OnStats(Snapshot)            {}
func (nopObserver) OnIdentity(discord.Identity) {}
func (nopObserver) OnUnauthorized(error)        {}
