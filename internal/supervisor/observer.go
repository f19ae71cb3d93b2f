package supervisor

import (
	"time"

	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/events"
	"github.com/fortybyte/mudaeUtils/internal/models"
	"github.com/fortybyte/mudaeUtils/internal/notify"
	"github.com/fortybyte/mudaeUtils/internal/roller"
)

// observer relays one engine's events to the store and the bus.
type observer struct {
	s    *Supervisor
	inst *instance
}

func (o *observer) OnLog(e roller.LogEntry) {
	o.s.bus.Publish(o.inst.id, events.TopicLogs, e)
}

func (o *observer) OnStats(snap roller.Snapshot) {
	o.s.persist(o.inst, func(r *models.Instance) {
		r.Stats = toModelStats(snap.Stats)
		r.QuotaCapacity = snap.QuotaCapacity
		r.LastDailyRunAt = timePtr(snap.LastDailyRunAt)
	})
	o.s.bus.Publish(o.inst.id, events.TopicStats, snap)
}

func (o *observer) OnIdentity(id discord.Identity) {
	o.s.persist(o.inst, func(r *models.Instance) { r.Identity = toModelIdentity(id) })
	o.s.bus.Publish(o.inst.id, events.TopicIdentity, id)
}

// OnUnauthorized stops the engine for good: a rejected credential will not
// recover by retrying.
func (o *observer) OnUnauthorized(err error) {
	go o.s.giveUp(o.inst, "credential rejected", err.Error())
}

// giveUp stops an instance permanently and tells the operator.
func (s *Supervisor) giveUp(inst *instance, reason, detail string) {
	inst.mu.Lock()
	if inst.failed {
		inst.mu.Unlock()
		return
	}
	inst.failed = true
	inst.mu.Unlock()

	inst.engine.Stop()
	s.persist(inst, func(r *models.Instance) { r.Running = false })
	s.log.Error().Str("instance", inst.id).Str("reason", reason).Msg("instance stopped")
	s.publishLifecycle(inst.id, ActionFailed, reason)
	s.notify(inst.id, notify.SeverityError, "Instance "+inst.id+" stopped: "+reason, detail)
}

func toModelStats(st roller.Stats) models.SessionStats {
	names := append([]string{}, st.ClaimedNames...)
	return models.SessionStats{TotalRolls: st.TotalRolls, ClaimedNames: names, StartedAt: st.StartedAt}
}

func fromModelStats(st models.SessionStats) roller.Stats {
	names := append([]string{}, st.ClaimedNames...)
	return roller.Stats{TotalRolls: st.TotalRolls, ClaimedNames: names, StartedAt: st.StartedAt}
}

func toModelIdentity(id discord.Identity) *models.Identity {
	return &models.Identity{
		ID:            id.ID,
		Username:      id.Username,
		DisplayName:   id.GlobalName,
		Discriminator: id.Discriminator,
		Avatar:        id.Avatar,
		AvatarURL:     id.AvatarURL(),
	}
}

func fromModelIdentity(id *models.Identity) *discord.Identity {
	if id == nil || id.ID == "" {
		return nil
	}
	return &discord.Identity{
		ID:            id.ID,
		Username:      id.Username,
		GlobalName:    id.DisplayName,
		Discriminator: id.Discriminator,
		Avatar:        id.Avatar,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
