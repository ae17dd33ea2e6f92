package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/geo"
)

func fixAt(lat, lng float64, ms int64) *domain.Fix {
	return &domain.Fix{Latitude: lat, Longitude: lng, Timestamp: ms}
}

func startBudi(t *testing.T, env testEnv, tr *engine.Tracker) *engine.Session {
	t.Helper()
	s, err := tr.Start(env.Ctx, engine.TrackingStart{User: budi, SurveyType: domain.KindExisting, Fix: fixAt(0, 0, 0)})
	require.NoError(t, err)
	return s
}

func TestStartRequiresFix(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	_, err := tr.Start(env.Ctx, engine.TrackingStart{User: budi, SurveyType: domain.KindExisting})
	var perr engine.PreconditionError
	require.ErrorAs(t, err, &perr)

	sessions, err := tr.ListSessions(env.Ctx, budi.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSecondStartConflicts(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	first := startBudi(t, env, tr)

	_, err := tr.Start(env.Ctx, engine.TrackingStart{User: budi, SurveyType: domain.KindPropose, Fix: fixAt(1, 1, 5)})
	assert.True(t, engine.IsConflict(err))

	// another process sharing the store sees the persisted active session
	other := engine.NewTracker(env.Engine)
	_, err = other.Start(env.Ctx, engine.TrackingStart{User: budi, SurveyType: domain.KindPropose, Fix: fixAt(1, 1, 5)})
	assert.True(t, engine.IsConflict(err))

	_, err = tr.Start(env.Ctx, engine.TrackingStart{User: sari, SurveyType: domain.KindPropose, Fix: fixAt(1, 1, 5)})
	require.NoError(t, err, "other users are unaffected")

	_, err = tr.Stop(env.Ctx, first)
	require.NoError(t, err)
	_, err = tr.Start(env.Ctx, engine.TrackingStart{User: budi, SurveyType: domain.KindPropose, Fix: fixAt(1, 1, 5)})
	assert.NoError(t, err)
}

func TestStopComputesAndFreezesSummary(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	s := startBudi(t, env, tr)

	for _, f := range []*domain.Fix{fixAt(0, 1, 15000), fixAt(0, 2, 30000)} {
		ok, err := tr.Tick(env.Ctx, s, f)
		require.NoError(t, err)
		require.True(t, ok)
	}
	sum, err := tr.Stop(env.Ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.PointsCount)
	assert.Equal(t, int64(30), sum.Duration)
	want := geo.HaversineKm(0, 0, 0, 1) + geo.HaversineKm(0, 1, 0, 2)
	assert.InDelta(t, want, sum.TotalDistance, 1e-9)
	assert.Equal(t, s.ID(), sum.SessionID)

	doc, err := tr.GetSession(env.Ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, doc.Status)
	assert.Len(t, doc.Path, 3)
	require.NotNil(t, doc.EndTime)
	assert.Equal(t, 3, *doc.PointsCount)
	assert.Equal(t, int64(30), *doc.Duration)
	assert.InDelta(t, want, *doc.TotalDistance, 1e-9)

	_, err = tr.Tick(env.Ctx, s, fixAt(0, 3, 45000))
	assert.True(t, engine.IsPrecondition(err), "completed sessions are frozen")
	_, err = tr.Stop(env.Ctx, s)
	assert.True(t, engine.IsPrecondition(err))
	_, err = tr.Resume(env.Ctx, s.ID())
	assert.True(t, engine.IsPrecondition(err))

	doc, err = tr.GetSession(env.Ctx, s.ID())
	require.NoError(t, err)
	assert.Len(t, doc.Path, 3)
}

func TestSummarizeShortPaths(t *testing.T) {
	sum := engine.Summarize([]domain.PathPoint{{Lat: 1, Lng: 1, Timestamp: 500}})
	assert.Equal(t, 1, sum.PointsCount)
	assert.Zero(t, sum.Duration)
	assert.Zero(t, sum.TotalDistance)
	assert.Zero(t, engine.Summarize(nil).PointsCount)
}

func TestTickSkipsMissingAndOutOfOrderFixes(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	s := startBudi(t, env, tr)

	ok, err := tr.Tick(env.Ctx, s, fixAt(0, 1, 20000))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.Tick(env.Ctx, s, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = tr.Tick(env.Ctx, s, fixAt(0, 2, 10000))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = tr.Tick(env.Ctx, s, fixAt(0, 2, 20000))
	require.NoError(t, err)
	assert.True(t, ok, "equal timestamps keep the path non-decreasing")

	doc, err := tr.GetSession(env.Ctx, s.ID())
	require.NoError(t, err)
	require.Len(t, doc.Path, 3)
	for i := 1; i < len(doc.Path); i++ {
		assert.LessOrEqual(t, doc.Path[i-1].Timestamp, doc.Path[i].Timestamp)
	}
}

func TestRunTicksUntilStop(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	tr.Interval = 5 * time.Millisecond
	s := startBudi(t, env, tr)

	var calls int64
	provider := engine.FixProviderFunc(func(ctx context.Context) (*domain.Fix, error) {
		n := atomic.AddInt64(&calls, 1)
		if n%2 == 0 {
			return nil, geo.ErrNoFix
		}
		return fixAt(0, float64(n)/1000, n*1000), nil
	})
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(context.Background(), s, provider) }()

	require.Eventually(t, func() bool { return len(s.Snapshot().Path) >= 4 }, 2*time.Second, 5*time.Millisecond)
	sum, err := tr.Stop(env.Ctx, s)
	require.NoError(t, err)
	require.NoError(t, <-runErr)

	doc, err := tr.GetSession(env.Ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, sum.PointsCount, len(doc.Path), "stop flushes every tick")

	time.Sleep(30 * time.Millisecond)
	after, err := tr.GetSession(env.Ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, doc.Path, after.Path, "no ticks after stop")
}

func TestRunEndsWithContext(t *testing.T) {
	env := newTestEnv(t)
	tr := engine.NewTracker(env.Engine)
	tr.Interval = time.Millisecond
	s := startBudi(t, env, tr)

	ctx, cancel := context.WithCancel(context.Background())
	noFix := engine.FixProviderFunc(func(context.Context) (*domain.Fix, error) { return nil, geo.ErrNoFix })
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx, s, noFix) }()
	cancel()
	assert.True(t, errors.Is(<-runErr, context.Canceled))

	assert.Len(t, s.Snapshot().Path, 1)
	_, err := tr.Stop(env.Ctx, s)
	require.NoError(t, err)
}

func TestResumeContinuesPersistedSession(t *testing.T) {
	env := newTestEnv(t)
	s := startBudi(t, env, engine.NewTracker(env.Engine))

	later := engine.NewTracker(env.Engine)
	resumed, err := later.Resume(env.Ctx, s.ID())
	require.NoError(t, err)
	ok, err := later.Tick(env.Ctx, resumed, fixAt(0, 1, 15000))
	require.NoError(t, err)
	require.True(t, ok)
	again, err := later.Resume(env.Ctx, s.ID())
	require.NoError(t, err)
	assert.Same(t, resumed, again)

	sum, err := later.Stop(env.Ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PointsCount)
	assert.Equal(t, int64(15), sum.Duration)

	sessions, err := later.ListSessions(env.Ctx, budi.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionCompleted, sessions[0].Status)
}
