// Package supervisor owns the registry of automation instances: it creates
// and persists them, relays their events, restores them at boot and
// restarts the ones that go quiet.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/config"
	"github.com/fortybyte/mudaeUtils/internal/discord"
	"github.com/fortybyte/mudaeUtils/internal/events"
	"github.com/fortybyte/mudaeUtils/internal/keywords"
	"github.com/fortybyte/mudaeUtils/internal/models"
	"github.com/fortybyte/mudaeUtils/internal/notify"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/store"
	"github.com/fortybyte/mudaeUtils/internal/vault"
	"github.com/fortybyte/mudaeUtils/internal/wordmap"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown instance ID.
	ErrNotFound = errors.New("supervisor: instance not found")
	// ErrConflict is returned when creating an ID that is already registered.
	ErrConflict = errors.New("supervisor: instance already exists")
	// ErrInvalidArgument is returned for malformed operator input.
	ErrInvalidArgument = errors.New("supervisor: invalid argument")
)

var (
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	snowflakePattern = regexp.MustCompile(`^\d{1,20}$`)
)

// Lifecycle actions published on events.TopicInstances.
const (
	ActionCreated    = "created"
	ActionRestored   = "restored"
	ActionPaused     = "paused"
	ActionResumed    = "resumed"
	ActionTerminated = "terminated"
	ActionDeleted    = "deleted"
	ActionRestarted  = "restarted"
	ActionFailed     = "failed"
)

// Lifecycle is the payload of an events.TopicInstances event.
type Lifecycle struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// CreateRequest describes a new instance.
type CreateRequest struct {
	ID            string `json:"id"`
	Token         string `json:"token"`
	ChannelID     string `json:"channelId"`
	Logging       bool   `json:"logging"`
	QuotaCapacity int    `json:"quotaCapacity,omitempty"`
}

// Info describes a registered instance. Token is masked.
type Info struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	roller.Snapshot
}

// Options holds the collaborators of a Supervisor.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Vault    *vault.Vault
	Bus      *events.Bus
	Notifier notify.Notifier
	Resolver *wordmap.Resolver
	Keywords *keywords.Matcher
	Logger   zerolog.Logger

	// NewTransport builds the remote client for a credential. Defaults to
	// discord.New.
	NewTransport func(token string) (discord.Transport, error)
	// For testing.
	Clock roller.Clock
	Rand  func(n int) int
}

type instance struct {
	id        string
	channelID string
	masked    string
	createdAt time.Time
	engine    *roller.Engine

	mu         sync.Mutex
	restarting bool
	failed     bool
}

// Supervisor manages every instance of the process.
type Supervisor struct {
	cfg          *config.Config
	store        *store.Store
	vault        *vault.Vault
	bus          *events.Bus
	notifier     notify.Notifier
	resolver     *wordmap.Resolver
	keywords     *keywords.Matcher
	log          zerolog.Logger
	newTransport func(string) (discord.Transport, error)
	clock        roller.Clock
	rand         func(int) int

	// ctx bounds every engine loop; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
	cron      *cron.Cron
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New creates a Supervisor with an empty registry.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil || opts.Store == nil || opts.Vault == nil {
		return nil, fmt.Errorf("supervisor: config, store and vault are required")
	}
	s := &Supervisor{
		cfg:          opts.Config,
		store:        opts.Store,
		vault:        opts.Vault,
		bus:          opts.Bus,
		notifier:     opts.Notifier,
		resolver:     opts.Resolver,
		keywords:     opts.Keywords,
		log:          opts.Logger.With().Str("component", "supervisor").Logger(),
		newTransport: opts.NewTransport,
		clock:        opts.Clock,
		rand:         opts.Rand,
		instances:    make(map[string]*instance),
	}
	if s.bus == nil {
		s.bus = events.NewBus(0)
	}
	if s.notifier == nil {
		s.notifier = notify.Log{Logger: s.log}
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.newTransport == nil {
		logger := opts.Logger
		s.newTransport = func(token string) (discord.Transport, error) {
			return discord.New(token, discord.Options{Logger: logger})
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Bus returns the event bus instances publish on.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

func validate(req CreateRequest) error {
	switch {
	case !idPattern.MatchString(req.ID):
		return fmt.Errorf("%w: id must be 1-64 letters, digits, '-' or '_'", ErrInvalidArgument)
	case req.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidArgument)
	case !snowflakePattern.MatchString(req.ChannelID):
		return fmt.Errorf("%w: channel id must be numeric", ErrInvalidArgument)
	case req.QuotaCapacity < 0:
		return fmt.Errorf("%w: quota capacity must not be negative", ErrInvalidArgument)
	}
	return nil
}

// Create registers, persists and starts a new instance.
func (s *Supervisor) Create(req CreateRequest) (Info, error) {
	if err := validate(req); err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	if _, exists := s.instances[req.ID]; exists {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrConflict, req.ID)
	}

	sealed, err := s.vault.Encrypt(req.Token)
	if err != nil {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("supervisor: encrypt token: %w", err)
	}
	inst, err := s.newInstance(req.ID, req.Token, req.ChannelID, req.Logging, req.QuotaCapacity, nil)
	if err != nil {
		s.mu.Unlock()
		return Info{}, err
	}
	rec := &models.Instance{
		ID:            req.ID,
		Token:         sealed,
		ChannelID:     req.ChannelID,
		Logging:       req.Logging,
		QuotaCapacity: inst.engine.Snapshot().QuotaCapacity,
		Running:       true,
		Stats:         toModelStats(inst.engine.Snapshot().Stats),
		CreatedAt:     inst.createdAt,
	}
	if err := s.store.Save(rec); err != nil {
		s.mu.Unlock()
		return Info{}, err
	}
	s.instances[req.ID] = inst
	s.mu.Unlock()

	inst.engine.Start(s.ctx)
	s.log.Info().Str("instance", req.ID).Str("channel", req.ChannelID).Msg("instance created")
	s.publishLifecycle(req.ID, ActionCreated, "")
	return inst.info(), nil
}

// newInstance builds an engine for a credential without starting it.
func (s *Supervisor) newInstance(id, token, channelID string, logging bool, capacity int, restore *roller.Restore) (*instance, error) {
	tr, err := s.newTransport(token)
	if err != nil {
		return nil, fmt.Errorf("supervisor: transport for %s: %w", id, err)
	}
	settings := roller.SettingsFromConfig(s.cfg, channelID)
	if capacity > 0 {
		settings.QuotaCapacity = capacity
	}
	inst := &instance{
		id:        id,
		channelID: channelID,
		masked:    maskToken(token),
		createdAt: s.clock.Now(),
	}
	inst.engine = roller.New(settings, roller.Options{
		Transport: tr,
		Resolver:  s.resolver,
		Keywords:  s.keywords,
		Observer:  &observer{s: s, inst: inst},
		Logger:    s.log.With().Str("component", "roller").Str("instance", id).Logger(),
		Logging:   logging,
		Restore:   restore,
		Clock:     s.clock,
		Rand:      s.rand,
	})
	return inst, nil
}

func (s *Supervisor) lookup(id string) (*instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

// registered reports whether inst is still the registry entry for its ID.
func (s *Supervisor) registered(inst *instance) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[inst.id] == inst
}

// Pause freezes an instance's pacing.
func (s *Supervisor) Pause(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := inst.engine.Pause(); err != nil {
		return err
	}
	s.persist(inst, func(r *models.Instance) { r.Paused = true })
	s.publishLifecycle(id, ActionPaused, "")
	return nil
}

// Resume continues a paused instance.
func (s *Supervisor) Resume(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := inst.engine.Resume(); err != nil {
		return err
	}
	s.persist(inst, func(r *models.Instance) { r.Paused = false })
	s.publishLifecycle(id, ActionResumed, "")
	return nil
}

// Terminate stops an instance and removes its persisted record. The instance
// stays listed, stopped, until deleted.
func (s *Supervisor) Terminate(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.engine.Stop()
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.log.Info().Str("instance", id).Msg("instance terminated")
	s.publishLifecycle(id, ActionTerminated, "")
	return nil
}

// Delete stops an instance, unregisters it and removes its persisted record.
func (s *Supervisor) Delete(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.instances, id)
	s.mu.Unlock()

	inst.engine.Stop()
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.log.Info().Str("instance", id).Msg("instance deleted")
	s.publishLifecycle(id, ActionDeleted, "")
	return nil
}

// ResetSession clears an instance's session stats and recomputes its quota
// window.
func (s *Supervisor) ResetSession(id string, clearLogs bool) (roller.Snapshot, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return roller.Snapshot{}, err
	}
	return inst.engine.ResetSession(clearLogs), nil
}

// SendMessage posts operator text through an instance.
func (s *Supervisor) SendMessage(ctx context.Context, id, text string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := inst.engine.SendMessage(ctx, text); err != nil {
		if errors.Is(err, roller.ErrEmptyMessage) {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return err
	}
	return nil
}

// TriggerRoll sends one roll through an instance immediately.
func (s *Supervisor) TriggerRoll(ctx context.Context, id string) (roller.Snapshot, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return roller.Snapshot{}, err
	}
	return inst.engine.TriggerRoll(ctx)
}

// SetQuotaCapacity changes the rolls an instance gets per reset.
func (s *Supervisor) SetQuotaCapacity(id string, n int) (roller.Snapshot, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return roller.Snapshot{}, err
	}
	snap, err := inst.engine.SetQuotaCapacity(n)
	if errors.Is(err, roller.ErrInvalidCapacity) {
		return roller.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return snap, err
}

// SetLogging toggles publication of an instance's non-error log entries.
func (s *Supervisor) SetLogging(id string, on bool) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.engine.SetLogging(on)
	s.persist(inst, func(r *models.Instance) { r.Logging = on })
	return nil
}

// ClearLogs empties an instance's log buffer.
func (s *Supervisor) ClearLogs(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.engine.ClearLogs()
	return nil
}

// List describes every registered instance, ordered by ID.
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get describes one instance.
func (s *Supervisor) Get(id string) (Info, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return inst.info(), nil
}

// Logs returns an instance's recent log entries, oldest first.
func (s *Supervisor) Logs(id string) ([]roller.LogEntry, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return inst.engine.Logs(), nil
}

// Stats returns an instance's current snapshot.
func (s *Supervisor) Stats(id string) (roller.Snapshot, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return roller.Snapshot{}, err
	}
	return inst.engine.Snapshot(), nil
}

// Shutdown stops the health monitor and every engine without touching
// their persisted running flag, so they come back on the next boot. It
// waits for the loops to exit until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mu.RLock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	for _, inst := range insts {
		inst.engine.Stop()
	}
	// Abort in-flight remote calls so loops reach their exit promptly.
	s.cancel()
	for _, inst := range insts {
		done := inst.engine.Done()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (s *Supervisor) persist(inst *instance, fn func(*models.Instance)) {
	if !s.registered(inst) {
		return
	}
	if err := s.store.Update(inst.id, fn); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		s.log.Error().Err(err).Str("instance", inst.id).Msg("persist instance")
	}
}

func (s *Supervisor) publishLifecycle(id, action, reason string) {
	s.bus.Publish(id, events.TopicInstances, Lifecycle{Action: action, Reason: reason})
}

func (s *Supervisor) notify(id string, sev notify.Severity, title, body string, fields ...notify.Field) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	n := notify.Notification{
		Instance: id,
		Title:    title,
		Body:     body,
		Severity: sev,
		Fields:   fields,
		Time:     s.clock.Now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn().Err(err).Str("instance", id).Msg("notification failed")
	}
}

func (inst *instance) info() Info {
	return Info{
		ID:        inst.id,
		ChannelID: inst.channelID,
		Token:     inst.masked,
		CreatedAt: inst.createdAt,
		Snapshot:  inst.engine.Snapshot(),
	}
}

// maskToken keeps only the last four characters of a credential.
func maskToken(token string) string {
	r := []rune(token)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}
