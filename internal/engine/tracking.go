package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/events"
	"apjsurvey/internal/geo"
	"apjsurvey/internal/store"
)

const DefaultTrackingInterval = 15 * time.Second

// FixProvider reads the device's current position. It returns geo.ErrNoFix while no reading is
// available.
type FixProvider interface {
	CurrentFix(ctx context.Context) (*domain.Fix, error)
}

type FixProviderFunc func(ctx context.Context) (*domain.Fix, error)

func (f FixProviderFunc) CurrentFix(ctx context.Context) (*domain.Fix, error) { return f(ctx) }

// Session is the handle of one tracking session. All mutation goes through the Tracker.
type Session struct {
	mu     sync.Mutex
	doc    domain.TrackingSession
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ID
}

// Snapshot returns a copy of the session as last seen by this handle.
func (s *Session) Snapshot() domain.TrackingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.Path = append([]domain.PathPoint(nil), s.doc.Path...)
	return doc
}

// Tracker owns the active tracking sessions of this process, at most one per user.
type Tracker struct {
	Store    store.Store
	Events   events.Writer
	Log      logrus.FieldLogger
	Interval time.Duration
	Now      func() time.Time

	mu     sync.Mutex
	active map[string]*Session
}

func NewTracker(e Engine) *Tracker {
	interval := DefaultTrackingInterval
	if e.Config != nil && e.Config.Tracking.IntervalSeconds > 0 {
		interval = e.Config.TrackingInterval()
	}
	return &Tracker{
		Store:    e.Store,
		Events:   e.events(),
		Log:      e.Log,
		Interval: interval,
		Now:      e.Now,
		active:   map[string]*Session{},
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) log(s domain.TrackingSession) logrus.FieldLogger {
	l := t.Log
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithFields(logrus.Fields{"session_id": s.ID, "user_id": s.UserID})
}

type TrackingStart struct {
	User       domain.Surveyor
	SurveyType domain.SurveyKind
	TaskID     string
	Fix        *domain.Fix
}

// Start opens a session seeded with the current fix. A user with an active session, in this
// process or in the store, gets a ConflictError.
func (t *Tracker) Start(ctx context.Context, in TrackingStart) (*Session, error) {
	if err := required("user", in.User.ID); err != nil {
		return nil, err
	}
	if _, err := domain.ParseSurveyKind(string(in.SurveyType)); err != nil {
		return nil, ValidationError{Field: "surveyType", Reason: err.Error()}
	}
	if in.Fix == nil {
		return nil, PreconditionError{Op: "start tracking", Reason: geo.ErrNoFix.Error()}
	}
	if err := finite(in.Fix.Latitude, in.Fix.Longitude); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = map[string]*Session{}
	}
	if s, ok := t.active[in.User.ID]; ok {
		return nil, ConflictError{Reason: fmt.Sprintf("user %s already has active session %s", in.User.ID, s.ID())}
	}
	q := store.Eq("userId", in.User.ID, "status", string(domain.SessionActive))
	q.Limit = 1
	existing, err := store.ListAs[domain.TrackingSession](ctx, t.Store, domain.CollectionTrackingSessions, q)
	if err != nil {
		return nil, fmt.Errorf("check active sessions: %w", err)
	}
	if len(existing) > 0 {
		return nil, ConflictError{Reason: fmt.Sprintf("user %s already has active session %s", in.User.ID, existing[0].ID)}
	}

	doc := domain.TrackingSession{
		ID:         uuid.NewString(),
		UserID:     in.User.ID,
		UserName:   in.User.Name,
		UserEmail:  in.User.Email,
		SurveyType: in.SurveyType,
		TaskID:     in.TaskID,
		Status:     domain.SessionActive,
		Path:       []domain.PathPoint{in.Fix.Point()},
		StartTime:  t.now().UTC().Format(time.RFC3339),
	}
	if err := t.Store.Create(ctx, domain.CollectionTrackingSessions, doc.ID, doc); err != nil {
		return nil, fmt.Errorf("start tracking: %w", err)
	}
	s := &Session{doc: doc}
	t.active[doc.UserID] = s
	t.Events.Record(ctx, "tracking.started", "tracking-session", doc.ID, doc.UserID, events.EventPayload{"survey_type": doc.SurveyType})
	t.log(doc).Info("tracking started")
	return s, nil
}

// Resume returns a handle for a persisted active session, reusing the in-process one if any.
func (t *Tracker) Resume(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := t.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.SessionActive {
		return nil, PreconditionError{Op: "resume tracking", Reason: fmt.Sprintf("session %s is %s", doc.ID, doc.Status)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = map[string]*Session{}
	}
	if s, ok := t.active[doc.UserID]; ok {
		if s.ID() == doc.ID {
			return s, nil
		}
		return nil, ConflictError{Reason: fmt.Sprintf("user %s already has active session %s", doc.UserID, s.ID())}
	}
	s := &Session{doc: doc}
	t.active[doc.UserID] = s
	return s, nil
}

// Tick appends fix to the path and persists it. It reports false when the fix was skipped:
// no fix, unusable coordinates, or a timestamp older than the last point. A failed write keeps
// the point in memory so Stop still flushes it.
func (t *Tracker) Tick(ctx context.Context, s *Session, fix *domain.Fix) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status != domain.SessionActive {
		return false, PreconditionError{Op: "record tick", Reason: fmt.Sprintf("session %s is %s", s.doc.ID, s.doc.Status)}
	}
	if fix == nil {
		return false, nil
	}
	if finite(fix.Latitude, fix.Longitude) != nil {
		t.log(s.doc).Warn("non-finite fix skipped")
		return false, nil
	}
	if n := len(s.doc.Path); n > 0 && fix.Timestamp < s.doc.Path[n-1].Timestamp {
		t.log(s.doc).WithField("timestamp", fix.Timestamp).Warn("out of order fix skipped")
		return false, nil
	}
	s.doc.Path = append(s.doc.Path, fix.Point())
	if err := t.Store.Update(ctx, domain.CollectionTrackingSessions, s.doc.ID, map[string]any{"path": s.doc.Path}); err != nil {
		return true, fmt.Errorf("record tick: %w", err)
	}
	return true, nil
}

// Run ticks s every Interval until Stop is called or ctx is done. Missing fixes and failed
// writes are logged and the loop keeps going.
func (t *Tracker) Run(ctx context.Context, s *Session, p FixProvider) error {
	s.mu.Lock()
	if s.doc.Status != domain.SessionActive {
		s.mu.Unlock()
		return PreconditionError{Op: "run tracking", Reason: fmt.Sprintf("session %s is %s", s.doc.ID, s.doc.Status)}
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ConflictError{Reason: fmt.Sprintf("session %s is already running", s.doc.ID)}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	log := t.log(s.doc)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		close(done)
	}()
	defer cancel()

	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTrackingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		fix, err := p.CurrentFix(runCtx)
		if err != nil {
			if errors.Is(err, geo.ErrNoFix) {
				log.Debug("no fix, tick skipped")
			} else {
				log.WithError(err).Warn("fix provider failed, tick skipped")
			}
			continue
		}
		if _, err := t.Tick(runCtx, s, fix); err != nil {
			if IsPrecondition(err) {
				return nil
			}
			log.WithError(err).Warn("tick not persisted")
		}
	}
}

// Stop halts the ticker, waits for it to exit, then persists the final path together with the
// summary and freezes the session.
func (t *Tracker) Stop(ctx context.Context, s *Session) (domain.Summary, error) {
	s.mu.Lock()
	if s.doc.Status != domain.SessionActive {
		s.mu.Unlock()
		return domain.Summary{}, PreconditionError{Op: "stop tracking", Reason: fmt.Sprintf("session %s is %s", s.doc.ID, s.doc.Status)}
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status != domain.SessionActive {
		return domain.Summary{}, PreconditionError{Op: "stop tracking", Reason: fmt.Sprintf("session %s is %s", s.doc.ID, s.doc.Status)}
	}
	sum := Summarize(s.doc.Path)
	sum.SessionID = s.doc.ID
	sum.EndTime = t.now().UTC().Format(time.RFC3339)
	fields := map[string]any{
		"path":          s.doc.Path,
		"status":        domain.SessionCompleted,
		"endTime":       sum.EndTime,
		"totalDistance": sum.TotalDistance,
		"pointsCount":   sum.PointsCount,
		"duration":      sum.Duration,
	}
	if err := t.Store.Update(ctx, domain.CollectionTrackingSessions, s.doc.ID, fields); err != nil {
		return domain.Summary{}, fmt.Errorf("stop tracking: %w", err)
	}
	s.doc.Status = domain.SessionCompleted
	s.doc.EndTime = &sum.EndTime
	s.doc.TotalDistance = &sum.TotalDistance
	s.doc.PointsCount = &sum.PointsCount
	s.doc.Duration = &sum.Duration

	t.mu.Lock()
	if t.active[s.doc.UserID] == s {
		delete(t.active, s.doc.UserID)
	}
	t.mu.Unlock()

	t.Events.Record(ctx, "tracking.stopped", "tracking-session", s.doc.ID, s.doc.UserID, events.EventPayload{
		"total_distance": sum.TotalDistance,
		"points_count":   sum.PointsCount,
		"duration":       sum.Duration,
	})
	t.log(s.doc).WithField("km", sum.TotalDistance).Info("tracking stopped")
	return sum, nil
}

// Summarize computes distance, point count and duration in whole seconds for a path.
func Summarize(path []domain.PathPoint) domain.Summary {
	sum := domain.Summary{
		TotalDistance: geo.PathDistanceKm(path),
		PointsCount:   len(path),
	}
	if len(path) >= 2 {
		ms := path[len(path)-1].Timestamp - path[0].Timestamp
		sum.Duration = int64(math.Round(float64(ms) / 1000))
	}
	return sum
}

func (t *Tracker) GetSession(ctx context.Context, id string) (domain.TrackingSession, error) {
	doc, err := store.GetAs[domain.TrackingSession](ctx, t.Store, domain.CollectionTrackingSessions, id)
	if err != nil {
		return domain.TrackingSession{}, fmt.Errorf("tracking session %s: %w", id, err)
	}
	return doc, nil
}

// ListSessions returns sessions newest first; an empty userID lists every user.
func (t *Tracker) ListSessions(ctx context.Context, userID string) ([]domain.TrackingSession, error) {
	var q store.Query
	if userID != "" {
		q = store.Eq("userId", userID)
	}
	q.OrderBy, q.Desc = "startTime", true
	res, err := store.ListAs[domain.TrackingSession](ctx, t.Store, domain.CollectionTrackingSessions, q)
	if err != nil {
		return nil, fmt.Errorf("list tracking sessions: %w", err)
	}
	return res, nil
}
