package points

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/db"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/logging"
	"apjsurvey/internal/migrate"
	"apjsurvey/internal/store"
)

type countingStore struct {
	SetStore
	saves   int
	failErr error
}

func (c *countingStore) Save(ctx context.Context, key string, ids []string) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.saves++
	return c.SetStore.Save(ctx, key, ids)
}

func newSQLiteSets(t *testing.T) SQLiteStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })
	return SQLiteStore{DB: conn, Now: func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }}
}

func TestCompleteTwiceReportsAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	sets := &countingStore{SetStore: newSQLiteSets(t)}
	tr := NewTracker(sets, logging.Discard())

	outcome, conf, err := tr.Complete(ctx, "task-1", "p1", "Tiang 1", -6.2, 106.8)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.Equal(t, Confirmation{PointID: "p1", PointName: "Tiang 1", Lat: -6.2, Lng: 106.8}, conf)

	outcome, _, err = tr.Complete(ctx, "task-1", "p1", "Tiang 1", -6.2, 106.8)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, outcome)
	assert.Equal(t, 1, sets.saves, "already completed must not write")

	ids, err := sets.Load(ctx, Key("task-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestSetsArePerTaskAndSurviveNewTracker(t *testing.T) {
	ctx := context.Background()
	sets := newSQLiteSets(t)
	tr := NewTracker(sets, logging.Discard())

	_, err := tr.Activate(ctx, "task-1")
	require.NoError(t, err)
	_, _, err = tr.Complete(ctx, "", "p1", "", 0, 0)
	require.NoError(t, err)
	_, _, err = tr.Complete(ctx, "task-2", "p1", "", 0, 0)
	require.NoError(t, err)

	again := NewTracker(sets, logging.Discard())
	ids, err := again.Activate(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
	outcome, _, err := again.Complete(ctx, "", "p1", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, outcome)
}

func TestCompleteRequiresTaskAndPoint(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newSQLiteSets(t), logging.Discard())
	_, _, err := tr.Complete(ctx, "", "p1", "", 0, 0)
	assert.ErrorIs(t, err, ErrNoActiveTask)
	_, _, err = tr.Complete(ctx, "task-1", " ", "", 0, 0)
	assert.ErrorIs(t, err, ErrNoPoint)
	_, err = tr.Activate(ctx, "")
	assert.ErrorIs(t, err, ErrNoActiveTask)
}

func TestFailedSaveLeavesSetUnchanged(t *testing.T) {
	ctx := context.Background()
	base := newSQLiteSets(t)
	boom := &store.Error{Op: "save", Collection: "kv", Err: errors.New("disk full")}
	sets := &countingStore{SetStore: base, failErr: boom}
	tr := NewTracker(sets, logging.Discard())

	_, _, err := tr.Complete(ctx, "task-1", "p1", "", 0, 0)
	var se *store.Error
	require.True(t, errors.As(err, &se))

	ids, err := base.Load(ctx, Key("task-1"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestNextPendingSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newSQLiteSets(t), logging.Discard())
	refs := []domain.RefPoint{
		{ID: "near", Lat: 0, Lng: 0.001},
		{ID: "far", Lat: 0, Lng: 0.01},
	}
	fix := &domain.Fix{Latitude: 0, Longitude: 0}

	best, _, ok, err := tr.NextPending(ctx, "task-1", fix, refs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "near", best.ID)

	_, _, err = tr.Complete(ctx, "task-1", "near", "", 0, 0.001)
	require.NoError(t, err)
	best, _, ok, err = tr.NextPending(ctx, "task-1", fix, refs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "far", best.ID)

	_, _, ok, err = tr.NextPending(ctx, "task-1", nil, refs)
	require.NoError(t, err)
	assert.False(t, ok, "no fix is not an error")
}
