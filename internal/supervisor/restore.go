package supervisor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/models"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/store"
)

// Restore starts every persisted instance that was running when the
// process last stopped. Records marked not running are deleted. A record
// whose credential cannot be decrypted is logged and deleted without
// affecting the others. Starts are spaced by the configured stagger.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	recs, err := s.store.List()
	if err != nil {
		return 0, err
	}
	started := 0
	for i := range recs {
		rec := &recs[i]
		if !rec.Running {
			s.log.Info().Str("instance", rec.ID).Msg("dropping stopped instance record")
			if err := s.store.Delete(rec.ID); err != nil {
				s.log.Error().Err(err).Str("instance", rec.ID).Msg("delete stopped record")
			}
			continue
		}
		if started > 0 && !sleepCtx(ctx, s.cfg.Supervisor.StartStagger) {
			return started, ctx.Err()
		}
		ok, err := s.startRecord(rec, ActionRestored)
		if err != nil {
			s.log.Error().Err(err).Str("instance", rec.ID).Msg("restore instance")
			if delErr := s.store.Delete(rec.ID); delErr != nil {
				s.log.Error().Err(delErr).Str("instance", rec.ID).Msg("delete unrestorable record")
			}
			continue
		}
		if ok {
			started++
		}
	}
	s.log.Info().Int("restored", started).Msg("restore complete")
	return started, nil
}

// startRecord registers and starts an instance from its persisted record.
// It reports false without error when the ID is already registered.
func (s *Supervisor) startRecord(rec *models.Instance, action string) (bool, error) {
	token, err := s.vault.Decrypt(rec.Token)
	if err != nil {
		return false, fmt.Errorf("supervisor: decrypt token: %w", err)
	}
	restore := &roller.Restore{
		Stats:    fromModelStats(rec.Stats),
		Identity: fromModelIdentity(rec.Identity),
	}
	if rec.LastDailyRunAt != nil {
		restore.LastDailyRunAt = *rec.LastDailyRunAt
	}

	s.mu.Lock()
	if _, exists := s.instances[rec.ID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	inst, err := s.newInstance(rec.ID, token, rec.ChannelID, rec.Logging, rec.QuotaCapacity, restore)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !rec.CreatedAt.IsZero() {
		inst.createdAt = rec.CreatedAt
	}
	s.instances[rec.ID] = inst
	s.mu.Unlock()

	if rec.Paused {
		inst.engine.StartPaused(s.ctx)
	} else {
		inst.engine.Start(s.ctx)
	}
	s.log.Info().Str("instance", rec.ID).Bool("paused", rec.Paused).Msg("instance started from record")
	s.publishLifecycle(rec.ID, action, "")
	return true, nil
}

// Backup writes every persisted record. Credentials stay encrypted.
func (s *Supervisor) Backup(w io.Writer) error {
	return s.store.Export(w)
}

// Import validates a backup and persists its records atomically, then
// starts those marked running. A record whose ID is currently registered
// rejects the whole backup with ErrConflict. It returns how many were
// started.
func (s *Supervisor) Import(r io.Reader) (int, error) {
	b, err := store.DecodeBackup(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s.mu.Lock()
	for _, rec := range b.Instances {
		if _, exists := s.instances[rec.ID]; exists {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrConflict, rec.ID)
		}
	}
	err = s.store.SaveAll(b.Instances)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range b.Instances {
		rec := &b.Instances[i]
		if !rec.Running {
			continue
		}
		ok, err := s.startRecord(rec, ActionRestored)
		if err != nil {
			s.log.Error().Err(err).Str("instance", rec.ID).Msg("start imported instance")
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
