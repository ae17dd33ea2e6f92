package engine_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apjsurvey/internal/config"
	"apjsurvey/internal/db"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/logging"
	"apjsurvey/internal/migrate"
	"apjsurvey/internal/store"
)

var (
	adminA = domain.Admin{ID: "admin-a", Name: "Admin A", Email: "a@example.com"}
	adminB = domain.Admin{ID: "admin-b", Name: "Admin B", Email: "b@example.com"}
	budi   = domain.Surveyor{ID: "budi", Name: "Budi", Email: "budi@example.com"}
	sari   = domain.Surveyor{ID: "sari", Name: "Sari"}
)

type testEnv struct {
	Engine engine.Engine
	Store  *store.SQLite
	DB     *sql.DB
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn), "migrate")
	t.Cleanup(func() { conn.Close() })
	st := store.NewSQLite(conn)
	eng := engine.New(st, config.Default(), logging.Discard())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Store: st, DB: conn, Ctx: context.Background()}
}

func (env testEnv) assign(t *testing.T, admin domain.Admin, surveyor domain.Surveyor) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:          "Survey " + surveyor.Name,
		Description:    "Jalan utama",
		Type:           domain.TaskTypeExisting,
		Surveyor:       surveyor,
		ReferenceFiles: []domain.ReferenceFile{{URL: "https://files.example.com/" + surveyor.ID + ".kmz"}},
		Admin:          admin,
	})
	require.NoError(t, err)
	return task
}

func (env testEnv) submit(t *testing.T, kind domain.SurveyKind, surveyor domain.Surveyor) domain.Survey {
	t.Helper()
	s, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{
		Kind:      kind,
		Surveyor:  surveyor,
		Latitude:  -6.2,
		Longitude: 106.8,
	})
	require.NoError(t, err)
	return s
}
