package supervisor

import (
	"fmt"
	"strconv"

	"github.com/fortybyte/mudaeUtils/internal/notify"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/robfig/cron/v3"
)

// StartHealthMonitor schedules CheckHealth on the configured cron spec.
func (s *Supervisor) StartHealthMonitor() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Supervisor.HealthSchedule, s.CheckHealth); err != nil {
		return fmt.Errorf("supervisor: health schedule %q: %w", s.cfg.Supervisor.HealthSchedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.log.Info().Str("schedule", s.cfg.Supervisor.HealthSchedule).Msg("health monitor started")
	return nil
}

// CheckHealth looks for running, unpaused instances with no activity for
// the stale threshold. Each hit counts as a failure: within the budget the
// instance is restarted, past it the instance is stopped for good.
//
// Engines heartbeat every loop iteration, so silence means the loop is stuck
// inside one remote call. A rate-limit wait longer than the threshold is
// legitimate but still counts.
func (s *Supervisor) CheckHealth() {
	now := s.clock.Now()
	s.mu.RLock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	for _, inst := range insts {
		if inst.engine.State() != roller.Running {
			continue
		}
		inst.mu.Lock()
		busy := inst.restarting || inst.failed
		inst.mu.Unlock()
		if busy {
			continue
		}
		idle := now.Sub(inst.engine.LastActivity())
		if idle < s.cfg.Supervisor.StaleAfter {
			continue
		}

		failures := inst.engine.RecordFailure()
		s.log.Warn().Str("instance", inst.id).Dur("idle", idle).Int("failures", failures).Msg("instance unresponsive")
		if failures > s.cfg.Supervisor.MaxFailures {
			s.giveUp(inst, "unresponsive",
				fmt.Sprintf("no activity for %s after %d restarts", idle.Round(1e9), s.cfg.Supervisor.MaxFailures))
			continue
		}
		s.restart(inst, failures)
	}
}

// restart stops the engine, waits the restart delay and starts it again.
func (s *Supervisor) restart(inst *instance, failures int) {
	inst.mu.Lock()
	inst.restarting = true
	inst.mu.Unlock()

	paused := inst.engine.State() == roller.Paused
	inst.engine.Stop()
	go func() {
		defer func() {
			inst.mu.Lock()
			inst.restarting = false
			inst.mu.Unlock()
		}()
		if !sleepCtx(s.ctx, s.cfg.Supervisor.RestartDelay) {
			return
		}
		if !s.registered(inst) {
			return
		}
		inst.mu.Lock()
		failed := inst.failed
		inst.mu.Unlock()
		if failed {
			return
		}
		if paused {
			inst.engine.StartPaused(s.ctx)
		} else {
			inst.engine.Start(s.ctx)
		}
		s.log.Info().Str("instance", inst.id).Int("failures", failures).Msg("instance restarted")
		s.publishLifecycle(inst.id, ActionRestarted, "unresponsive")
		s.notify(inst.id, notify.SeverityWarning, "Instance "+inst.id+" restarted", "no recent activity",
			notify.Field{Name: "Failures", Value: strconv.Itoa(failures)})
	}()
}
