package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/demoforge/internal/cache"
	"github.com/yoockh/demoforge/internal/events"
	"github.com/yoockh/demoforge/internal/locks"
	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/providers/conversation"
	"github.com/yoockh/demoforge/internal/repositories"
	"github.com/yoockh/demoforge/internal/storage"
	"github.com/yoockh/demoforge/internal/utils"
)

const (
	DefaultDedupTTL      = 10 * time.Second
	DefaultCreateTimeout = 30 * time.Second
	DefaultMediaURLTTL   = time.Hour
	DefaultSweepTimeout  = 15 * time.Second

	sweepParallelism = 4

	degradedWarning = "conversation provider unavailable; this is a temporary preview session"
)

var replicaIDPattern = regexp.MustCompile(`^r[a-zA-Z0-9]{5,63}$`)

// SessionCoordinator hands out exactly one live conversation per demo.
type SessionCoordinator interface {
	// GetOrCreate returns the demo's active session, creating one if needed.
	// When the provider is down it returns an unpersisted mock descriptor instead of failing.
	GetOrCreate(ctx context.Context, demoID string, spec models.DemoSpec) (*models.SessionDescriptor, error)
	// GetActive never creates anything.
	GetActive(ctx context.Context, demoID string) (*models.SessionDescriptor, error)
	// End moves an active session to a terminal status.
	End(ctx context.Context, conversationID string, status models.SessionStatus) (*models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
}

// TeardownQueue retries ending remote conversations out of band.
type TeardownQueue interface {
	EnqueueTeardown(ctx context.Context, conversationID, reason string) error
}

type CoordinatorDeps struct {
	Store    repositories.SessionStore
	Provider conversation.Provider
	Locks    locks.Table
	Cache    cache.Cache
	Events   events.Publisher // optional
	Media    storage.Signer   // optional
	Teardown TeardownQueue    // optional
	Logger   *logrus.Logger
}

type CoordinatorOptions struct {
	DefaultReplicaID string
	DedupTTL         time.Duration
	CreateTimeout    time.Duration
	SweepTimeout     time.Duration
	MediaURLTTL      time.Duration

	Now   func() time.Time
	NewID func() string
}

type sessionCoordinator struct {
	store    repositories.SessionStore
	provider conversation.Provider
	locks    locks.Table
	cache    cache.Cache
	events   events.Publisher
	media    storage.Signer
	teardown TeardownQueue
	log      *logrus.Logger

	defaultReplica string
	dedupTTL       time.Duration
	createTimeout  time.Duration
	sweepTimeout   time.Duration
	mediaURLTTL    time.Duration
	now            func() time.Time
	newID          func() string
}

func NewSessionCoordinator(d CoordinatorDeps, o CoordinatorOptions) SessionCoordinator {
	s := &sessionCoordinator{
		store:          d.Store,
		provider:       d.Provider,
		locks:          d.Locks,
		cache:          d.Cache,
		events:         d.Events,
		media:          d.Media,
		teardown:       d.Teardown,
		log:            d.Logger,
		defaultReplica: o.DefaultReplicaID,
		dedupTTL:       o.DedupTTL,
		createTimeout:  o.CreateTimeout,
		sweepTimeout:   o.SweepTimeout,
		mediaURLTTL:    o.MediaURLTTL,
		now:            o.Now,
		newID:          o.NewID,
	}
	if s.locks == nil {
		s.locks = locks.NewMemoryTable()
	}
	if s.cache == nil {
		s.cache = cache.NewMemoryCache(nil)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = logrus.New()
	}
	if s.dedupTTL <= 0 {
		s.dedupTTL = DefaultDedupTTL
	}
	if s.createTimeout <= 0 {
		s.createTimeout = DefaultCreateTimeout
	}
	if s.sweepTimeout <= 0 {
		s.sweepTimeout = DefaultSweepTimeout
	}
	if s.mediaURLTTL <= 0 {
		s.mediaURLTTL = DefaultMediaURLTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

func dedupKey(demoID string) string { return "session:demo:" + demoID }

func validateRequest(demoID string, spec models.DemoSpec) []string {
	var missing []string
	if strings.TrimSpace(demoID) == "" {
		missing = append(missing, "demo_id")
	}
	if strings.TrimSpace(spec.Title) == "" {
		missing = append(missing, "title")
	}
	if spec.Videos == nil {
		missing = append(missing, "videos")
	}
	if strings.TrimSpace(spec.KnowledgeBase) == "" {
		missing = append(missing, "knowledge_base")
	}
	return missing
}

func (s *sessionCoordinator) GetOrCreate(ctx context.Context, demoID string, spec models.DemoSpec) (*models.SessionDescriptor, error) {
	const op = "SessionCoordinator.GetOrCreate"

	if missing := validateRequest(demoID, spec); len(missing) > 0 {
		return nil, utils.Invalid(op, missing...)
	}
	log := s.log.WithFields(logrus.Fields{"op": op, "demo_id": demoID})

	existing, err := s.findActive(ctx, op, demoID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.WithField("conversation_id", existing.ConversationID).Debug("active session found")
		return existing, nil
	}

	var cached models.SessionDescriptor
	hit, err := s.cache.GetJSON(ctx, dedupKey(demoID), &cached)
	if err != nil {
		log.WithError(err).Warn("dedup cache read failed")
	} else if hit {
		cached.Reused = true
		return &cached, nil
	}

	acquired, err := s.locks.TryAcquire(ctx, demoID)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to acquire creation lock", err)
	}
	if !acquired {
		log.Info("session creation already in progress")
		return nil, utils.E(utils.CodeConflict, op, "session creation already in progress", nil)
	}
	defer func() {
		// released even when the request context is already cancelled
		if err := s.locks.Release(context.WithoutCancel(ctx), demoID); err != nil {
			log.WithError(err).Error("failed to release creation lock")
		}
	}()

	return s.createLocked(ctx, op, demoID, spec, log)
}

func (s *sessionCoordinator) createLocked(ctx context.Context, op, demoID string, spec models.DemoSpec, log *logrus.Entry) (*models.SessionDescriptor, error) {
	if s.store.SupportsActiveFlag() {
		s.sweep(ctx, demoID, log)
	} else {
		log.Debug("store has no active flag; skipping sweep")
	}

	existing, err := s.findActive(ctx, op, demoID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.WithField("conversation_id", existing.ConversationID).Debug("session created concurrently")
		return existing, nil
	}

	now := s.now().UTC()
	replica := s.resolveReplica(spec.ReplicaID, log)
	brief := s.buildContext(ctx, demoID, spec, now, log)

	cctx, cancel := context.WithTimeout(ctx, s.createTimeout)
	conv, err := s.provider.CreateConversation(cctx, conversation.CreateRequest{ReplicaID: replica, Context: brief})
	cancel()
	if err != nil {
		log.WithError(err).Warn("conversation provider failed; returning mock session")
		return s.mockDescriptor(demoID, replica, now), nil
	}
	log = log.WithField("conversation_id", conv.ID)

	snapshot, err := json.Marshal(models.ContextSnapshot{
		DemoID:            demoID,
		DemoTitle:         spec.Title,
		VideoCount:        len(spec.Videos),
		HasCTA:            spec.HasCTA(),
		CreatedAt:         now,
		ConversationName:  conv.Name,
		ProviderStatus:    conv.Status,
		ProviderReplicaID: conv.ReplicaID,
	})
	if err != nil {
		s.compensate(ctx, conv.ID, log)
		return nil, utils.E(utils.CodeInternal, op, "failed to encode context snapshot", err)
	}

	active := true
	sess := &models.Session{
		ID:                    s.newID(),
		DemoID:                demoID,
		RemoteConversationID:  conv.ID,
		RemoteConversationURL: conv.URL,
		ProviderReplicaID:     conv.ReplicaID,
		Status:                models.StatusActive,
		IsActive:              &active,
		IsMock:                false,
		ContextSnapshot:       snapshot,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.store.Insert(ctx, sess); err != nil {
		s.compensate(ctx, conv.ID, log)
		if errors.Is(err, repositories.ErrDuplicateActive) {
			winner, ferr := s.findActive(ctx, op, demoID)
			if ferr == nil && winner != nil {
				log.WithField("winner_conversation_id", winner.ConversationID).Info("lost creation race; reusing stored session")
				return winner, nil
			}
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to persist session", err)
	}

	out := models.DescriptorFromSession(sess, false)
	if err := s.cache.SetJSON(ctx, dedupKey(demoID), out, s.dedupTTL); err != nil {
		log.WithError(err).Warn("dedup cache write failed")
	}
	if err := s.events.PublishSessionReady(ctx, out); err != nil {
		log.WithError(err).Warn("failed to publish session ready")
	}
	log.WithField("session_id", sess.ID).Info("session created")
	return out, nil
}

// sweep ends every active session of other demos. The provider caps concurrent
// conversations deployment-wide. The current demo is left to the re-check.
// The whole sweep is bounded by sweepTimeout so it cannot outlive the creation lock.
func (s *sessionCoordinator) sweep(ctx context.Context, demoID string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	rows, err := s.store.ListActive(ctx)
	if err != nil {
		log.WithError(err).Warn("sweep: failed to list active sessions")
		return
	}

	var g errgroup.Group
	g.SetLimit(sweepParallelism)
	for _, row := range rows {
		if row.DemoID == demoID {
			continue
		}
		g.Go(func() error {
			s.sweepOne(ctx, row, log)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *sessionCoordinator) sweepOne(ctx context.Context, row models.Session, log *logrus.Entry) {
	entry := log.WithFields(logrus.Fields{
		"swept_demo_id":   row.DemoID,
		"session_id":      row.ID,
		"conversation_id": row.RemoteConversationID,
	})
	if !row.IsMock && row.RemoteConversationID != "" {
		if err := s.provider.EndConversation(ctx, row.RemoteConversationID); err != nil {
			entry.WithError(err).Warn("sweep: failed to end remote conversation")
			s.retryTeardown(ctx, row.RemoteConversationID, "sweep", entry)
		}
	}
	err := s.store.UpdateByID(ctx, row.ID, repositories.Deactivate(models.StatusAbandoned, s.now().UTC()))
	if errors.Is(err, repositories.ErrNotActive) {
		entry.Debug("sweep: session already ended elsewhere")
		return
	}
	if err != nil {
		entry.WithError(err).Warn("sweep: failed to mark session inactive")
		return
	}
	_ = s.cache.Del(ctx, dedupKey(row.DemoID))
	entry.Info("sweep: session ended")
}

// compensate tears down a remote conversation that has no local record.
func (s *sessionCoordinator) compensate(ctx context.Context, conversationID string, log *logrus.Entry) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.createTimeout)
	defer cancel()
	if err := s.provider.EndConversation(cctx, conversationID); err != nil {
		log.WithError(err).Error("compensation: failed to end orphaned conversation")
		s.retryTeardown(cctx, conversationID, "compensation", log)
		return
	}
	log.Warn("compensation: ended conversation without a stored session")
}

func (s *sessionCoordinator) retryTeardown(ctx context.Context, conversationID, reason string, log *logrus.Entry) {
	if s.teardown == nil {
		return
	}
	if err := s.teardown.EnqueueTeardown(context.WithoutCancel(ctx), conversationID, reason); err != nil {
		log.WithError(err).Error("failed to queue conversation teardown")
	}
}

func (s *sessionCoordinator) findActive(ctx context.Context, op, demoID string) (*models.SessionDescriptor, error) {
	row, err := s.store.LatestByDemo(ctx, demoID, true)
	if errors.Is(err, utils.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "session store unavailable", err)
	}
	if !row.Active() {
		return nil, nil
	}
	return models.DescriptorFromSession(row, true), nil
}

func (s *sessionCoordinator) resolveReplica(requested string, log *logrus.Entry) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return s.defaultReplica
	}
	if !replicaIDPattern.MatchString(requested) {
		log.WithField("replica_id", requested).Debug("invalid replica id; using default")
		return s.defaultReplica
	}
	return requested
}

func (s *sessionCoordinator) buildContext(ctx context.Context, demoID string, spec models.DemoSpec, now time.Time, log *logrus.Entry) conversation.Context {
	c := conversation.Context{
		DemoID:        demoID,
		DemoTitle:     spec.Title,
		VideoCount:    len(spec.Videos),
		HasCTA:        spec.HasCTA(),
		KnowledgeBase: spec.KnowledgeBase,
		CreatedAt:     now,
	}
	if spec.CallToAction != nil {
		c.CTAText = spec.CallToAction.ButtonText
		if c.CTAText == "" {
			c.CTAText = spec.CallToAction.Title
		}
	}

	for _, v := range spec.Videos {
		c.VideoTitles = append(c.VideoTitles, v.Title)
		signed := ""
		if s.media != nil && v.StoragePath != "" {
			u, err := s.media.SignedGetURL(ctx, v.StoragePath, s.mediaURLTTL)
			if err != nil {
				log.WithError(err).WithField("storage_path", v.StoragePath).Warn("failed to sign video url")
			} else {
				signed = u
			}
		}
		c.VideoURLs = append(c.VideoURLs, signed)
	}
	return c
}

func (s *sessionCoordinator) mockDescriptor(demoID, replica string, now time.Time) *models.SessionDescriptor {
	return &models.SessionDescriptor{
		DemoID:          demoID,
		ConversationID:  "c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:15],
		ConversationURL: "",
		ReplicaID:       replica,
		Status:          models.StatusActive,
		IsMock:          true,
		Warning:         degradedWarning,
		CreatedAt:       now,
	}
}

func (s *sessionCoordinator) GetActive(ctx context.Context, demoID string) (*models.SessionDescriptor, error) {
	const op = "SessionCoordinator.GetActive"

	if strings.TrimSpace(demoID) == "" {
		return nil, utils.Invalid(op, "demo_id")
	}
	d, err := s.findActive(ctx, op, demoID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, utils.E(utils.CodeNotFound, op, "no active session for demo", utils.ErrNotFound)
	}
	return d, nil
}

func (s *sessionCoordinator) End(ctx context.Context, conversationID string, status models.SessionStatus) (*models.Session, error) {
	const op = "SessionCoordinator.End"

	var missing []string
	if strings.TrimSpace(conversationID) == "" {
		missing = append(missing, "conversation_id")
	}
	if !status.Terminal() {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return nil, utils.Invalid(op, missing...)
	}
	log := s.log.WithFields(logrus.Fields{"op": op, "conversation_id": conversationID, "status": status})

	sess, err := s.store.GetByConversationID(ctx, conversationID)
	if errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
	}
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "session store unavailable", err)
	}
	if !sess.Active() || !sess.Status.CanTransition(status) {
		return nil, utils.E(utils.CodeConflict, op, "session already ended", nil)
	}

	if !sess.IsMock {
		if err := s.provider.EndConversation(ctx, conversationID); err != nil {
			log.WithError(err).Warn("failed to end remote conversation")
			s.retryTeardown(ctx, conversationID, "end", log)
		}
	}

	now := s.now().UTC()
	err = s.store.UpdateByID(ctx, sess.ID, repositories.Deactivate(status, now))
	if errors.Is(err, repositories.ErrNotActive) {
		return nil, utils.E(utils.CodeConflict, op, "session already ended", err)
	}
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to end session", err)
	}
	_ = s.cache.Del(ctx, dedupKey(sess.DemoID))

	inactive := false
	sess.Status = status
	sess.EndedAt = &now
	sess.UpdatedAt = now
	if s.store.SupportsActiveFlag() {
		sess.IsActive = &inactive
	}
	log.Info("session ended")
	return sess, nil
}

func (s *sessionCoordinator) ListActive(ctx context.Context) ([]models.Session, error) {
	const op = "SessionCoordinator.ListActive"

	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "session store unavailable", err)
	}
	return rows, nil
}
