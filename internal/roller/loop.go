package roller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/discord"
)

// idleThreshold is how far away the next roll must be before the loop
// switches to the idle poll interval.
const idleThreshold = time.Minute

func (e *Engine) run(ctx context.Context, gen uint64, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer e.exited(gen)

	if !e.initialize(ctx, gen, stop) {
		return
	}
	for e.live(gen) {
		wait, err := e.step(ctx, gen, stop)
		if err != nil {
			e.logf(LevelError, "loop iteration failed: %v", err)
			wait = e.s.ErrorBackoff
		}
		if !e.sleep(ctx, stop, wait) {
			return
		}
	}
}

// exited marks the lifecycle stopped when the loop ends on its own, for
// example because ctx was cancelled.
func (e *Engine) exited(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == gen && e.state != Stopped {
		e.state = Stopped
		close(e.stopCh)
	}
}

func (e *Engine) live(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveLocked(gen)
}

func (e *Engine) liveLocked(gen uint64) bool {
	return e.gen == gen && e.state != Stopped
}

// initialize fetches the identity, probes the quota, anchors the reset
// minute and runs the daily bonus if due. The probe waits while paused.
func (e *Engine) initialize(ctx context.Context, gen uint64, stop <-chan struct{}) bool {
	_, _ = e.RefreshIdentity(ctx)
	if !e.awaitResume(ctx, gen, stop) {
		return false
	}

	rolls, minutes := e.probeQuota(ctx, stop)
	if !e.live(gen) {
		return false
	}

	e.mu.Lock()
	if !e.liveLocked(gen) {
		e.mu.Unlock()
		return false
	}
	now := e.clock.Now()
	fallback := minutes <= 0
	if fallback {
		e.resetMinute = (now.Minute() + e.s.FallbackResetOffset) % 60
	} else {
		e.resetMinute = (now.Minute() + minutes) % 60
	}
	if rolls <= 0 {
		e.resetQuotaLocked(now)
	} else {
		e.remaining = min(rolls, e.capacity)
		e.nextRollAt = now.Add(e.s.FirstRollDelay)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if fallback {
		e.logf(LevelInfo, "no reset time reported; using fallback reset minute %d", snap.ResetMinute)
	}
	e.logf(LevelInfo, "reset minute=%d, rolls left=%d, next roll at %s",
		snap.ResetMinute, snap.RemainingRolls, snap.NextRollAt.Format(time.TimeOnly))
	e.observer.OnStats(snap)

	e.maybeDaily(ctx, gen, stop)
	return e.live(gen)
}

// awaitResume blocks while the engine is paused, keeping the heartbeat
// fresh. It reports false once the lifecycle ends.
func (e *Engine) awaitResume(ctx context.Context, gen uint64, stop <-chan struct{}) bool {
	for {
		e.mu.Lock()
		if !e.liveLocked(gen) {
			e.mu.Unlock()
			return false
		}
		if e.state != Paused {
			e.mu.Unlock()
			return true
		}
		e.lastActivity = e.clock.Now()
		e.mu.Unlock()
		if !e.sleep(ctx, stop, e.s.PausePollInterval) {
			return false
		}
	}
}

// probeQuota sends the quota command and reads the game's reply. Both values
// are zero when no reply is found. The watermark is not advanced so the
// first loop iteration still sees the same messages.
func (e *Engine) probeQuota(ctx context.Context, stop <-chan struct{}) (rolls, minutes int) {
	if err := e.send(ctx, stop, e.s.QuotaCommand, "quota probe"); err != nil {
		return 0, 0
	}
	if !e.sleep(ctx, stop, e.s.ProbeSettle) {
		return 0, 0
	}

	e.mu.Lock()
	wm := e.watermark
	e.mu.Unlock()

	msgs, err := e.transport.FetchRecent(ctx, e.s.ChannelID, wm, e.s.FetchLimit)
	if err != nil {
		e.fetchFailed(err)
		return 0, 0
	}
	for _, m := range msgs {
		if m.AuthorID != e.s.SystemAuthorID {
			continue
		}
		if r, mins, ok := parseQuota(m.Content); ok && (r > 0 || mins > 0) {
			return min(r, e.capacityNow()), mins
		}
	}
	return 0, 0
}

func (e *Engine) capacityNow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capacity
}

// step runs one loop iteration and returns how long to wait before the next.
func (e *Engine) step(ctx context.Context, gen uint64, stop <-chan struct{}) (time.Duration, error) {
	e.mu.Lock()
	if !e.liveLocked(gen) {
		e.mu.Unlock()
		return 0, nil
	}
	e.lastActivity = e.clock.Now()
	if e.state == Paused {
		e.mu.Unlock()
		return e.s.PausePollInterval, nil
	}
	due := !e.clock.Now().Before(e.nextRollAt) && e.remaining > 0
	e.mu.Unlock()

	// A failed roll does not skip reading the channel.
	var rollErr error
	if due {
		if err := e.send(ctx, stop, e.s.RollCommand, "roll"); err != nil {
			if !e.live(gen) {
				return 0, err
			}
			rollErr = fmt.Errorf("roll: %w", err)
		} else if !e.countRoll(gen) {
			return 0, nil
		}
	}

	e.mu.Lock()
	if e.liveLocked(gen) && e.remaining == 0 {
		e.resetQuotaLocked(e.clock.Now())
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.logf(LevelInfo, "rolls used up; next roll at %s", snap.NextRollAt.Format(time.TimeOnly))
		e.observer.OnStats(snap)
	} else {
		e.mu.Unlock()
	}

	e.mu.Lock()
	base := e.watermark
	e.mu.Unlock()

	msgs, err := e.transport.FetchRecent(ctx, e.s.ChannelID, base, e.s.FetchLimit)
	if err != nil {
		e.fetchFailed(err)
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	e.processBatch(ctx, gen, stop, base, msgs)

	e.maybeDaily(ctx, gen, stop)
	if rollErr != nil {
		return 0, rollErr
	}

	e.mu.Lock()
	idle := e.nextRollAt.Sub(e.clock.Now()) > idleThreshold
	e.mu.Unlock()
	if idle {
		return e.s.IdlePollInterval, nil
	}
	return e.s.PollInterval, nil
}

// countRoll records a sent roll. It reports false once the lifecycle ends.
func (e *Engine) countRoll(gen uint64) bool {
	e.mu.Lock()
	if !e.liveLocked(gen) {
		e.mu.Unlock()
		return false
	}
	if e.remaining > 0 {
		e.remaining--
	}
	e.stats.TotalRolls++
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "rolled, remaining=%d total=%d", snap.RemainingRolls, snap.Stats.TotalRolls)
	e.observer.OnStats(snap)
	return true
}

// processBatch handles messages newer than base, the watermark at the time
// of the fetch. The batch is newest first, so comparing against the moving
// watermark would drop everything after the first message.
func (e *Engine) processBatch(ctx context.Context, gen uint64, stop <-chan struct{}, base discord.Snowflake, msgs []discord.Message) {
	for _, m := range msgs {
		if m.ID <= base {
			continue
		}

		e.mu.Lock()
		if !e.liveLocked(gen) {
			e.mu.Unlock()
			return
		}
		selfID := ""
		if e.identity != nil {
			selfID = e.identity.ID
		}
		prompt := e.prompt
		gameActive := e.clock.Now().Before(e.wordGameUntil)
		e.mu.Unlock()

		if selfID == "" || m.AuthorID != selfID {
			e.handle(ctx, gen, stop, m, prompt, gameActive)
		}

		e.mu.Lock()
		if e.liveLocked(gen) && m.ID > e.watermark {
			e.watermark = m.ID
		}
		e.mu.Unlock()
	}
}

func (e *Engine) handle(ctx context.Context, gen uint64, stop <-chan struct{}, m discord.Message, prompt *wordPrompt, gameActive bool) {
	if name, ok := matchClaim(m, e.s, e.keywords); ok {
		e.logf(LevelInfo, "claimable drop %q in message %s", name, m.ID)
		if err := e.transport.AddReaction(ctx, e.s.ChannelID, m.ID, e.s.ClaimEmoji); err != nil {
			e.logf(LevelError, "claim reaction on %s failed: %v", m.ID, err)
			return
		}
		e.recordClaim(gen, name)
		return
	}

	if matchJoin(m, e.s) {
		e.logf(LevelInfo, "word game announced in message %s; joining", m.ID)
		e.mu.Lock()
		e.wordGameUntil = e.clock.Now().Add(wordGameWindow)
		e.mu.Unlock()
		if err := e.transport.AddReaction(ctx, e.s.ChannelID, m.ID, e.s.ClaimEmoji); err != nil {
			e.logf(LevelError, "join reaction on %s failed: %v", m.ID, err)
		}
		return
	}

	if m.AuthorID != e.s.SystemAuthorID {
		return
	}
	combo, ok := prompt.match(m.Content, gameActive || prompt.mentions(m.Content))
	if !ok {
		return
	}
	word := e.resolver.Lookup(combo)
	if word == e.resolver.Fallback() {
		e.logf(LevelWarn, "no word known for %q, giving up", combo)
	} else {
		e.logf(LevelInfo, "answering %q with %q", combo, word)
	}
	_ = e.send(ctx, stop, word, "word answer")
}

func (e *Engine) recordClaim(gen uint64, name string) {
	e.mu.Lock()
	if !e.liveLocked(gen) {
		e.mu.Unlock()
		return
	}
	for _, n := range e.stats.ClaimedNames {
		if strings.EqualFold(n, name) {
			e.mu.Unlock()
			return
		}
	}
	e.stats.ClaimedNames = append(e.stats.ClaimedNames, name)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "claimed %s", name)
	e.observer.OnStats(snap)
}

// maybeDaily runs the daily commands when they have never run or last ran
// more than DailyInterval ago. Send failures are logged and do not block.
func (e *Engine) maybeDaily(ctx context.Context, gen uint64, stop <-chan struct{}) {
	if len(e.s.DailyCommands) == 0 {
		return
	}
	e.mu.Lock()
	due := e.liveLocked(gen) && e.state == Running &&
		(e.lastDaily.IsZero() || e.clock.Now().Sub(e.lastDaily) >= DailyInterval)
	e.mu.Unlock()
	if !due {
		return
	}

	e.logf(LevelInfo, "running daily commands")
	for i, cmd := range e.s.DailyCommands {
		if i > 0 && !e.sleep(ctx, stop, e.s.DailyCommandGap) {
			return
		}
		_ = e.send(ctx, stop, cmd, "daily command "+cmd)
	}

	e.mu.Lock()
	if !e.liveLocked(gen) {
		e.mu.Unlock()
		return
	}
	e.lastDaily = e.clock.Now()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logf(LevelInfo, "daily commands done")
	e.observer.OnStats(snap)
}

// resetQuotaLocked refills the quota and schedules the next roll after the
// next reset minute plus 1-55 minutes of jitter.
func (e *Engine) resetQuotaLocked(now time.Time) {
	e.remaining = e.capacity
	minute := e.resetMinute
	if minute < 0 {
		minute = e.s.FallbackResetOffset % 60
	}
	jitter := time.Duration(e.rand(maxJitter-minJitter+1)+minJitter) * time.Minute
	e.nextRollAt = now.Add(jitter + timeUntilMinute(now, minute))
}

// timeUntilMinute returns the time until the next wall-clock occurrence of
// minute, rolling into the next hour when it has already passed.
func timeUntilMinute(now time.Time, minute int) time.Duration {
	target := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.Add(time.Hour)
	}
	return target.Sub(now)
}

// send posts text, waiting out rate limits for as long as the server asks.
// Other failures are logged and returned without retry.
func (e *Engine) send(ctx context.Context, stop <-chan struct{}, text, what string) error {
	for {
		_, err := e.transport.SendMessage(ctx, e.s.ChannelID, text)
		if err == nil {
			e.mu.Lock()
			e.failures = 0
			e.mu.Unlock()
			e.logf(LevelDebug, "sent %q", text)
			return nil
		}
		var rl *discord.RateLimitedError
		if errors.As(err, &rl) {
			e.logf(LevelWarn, "%s rate limited, retrying in %v", what, rl.RetryAfter)
			if !e.sleep(ctx, stop, rl.RetryAfter) {
				return err
			}
			continue
		}
		e.sendFailed(what, err)
		return err
	}
}

func (e *Engine) fetchFailed(err error) {
	if discord.IsUnauthorized(err) {
		e.logf(LevelError, "message fetch rejected: credential is invalid or expired")
		e.observer.OnUnauthorized(err)
		return
	}
	e.logf(LevelError, "message fetch failed: %v", err)
}

// sleep waits d and reports false if the engine was stopped or ctx ended.
func (e *Engine) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
