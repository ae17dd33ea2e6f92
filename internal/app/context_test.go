package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/config"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/logging"
)

func TestOpenDefaultRuntimeUsesSQLite(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), dir, nil, logging.Discard())
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Engine.SubmitSurvey(context.Background(), engine.SurveySubmission{
		Kind:     domain.KindExisting,
		Surveyor: domain.Surveyor{ID: "budi", Name: "Budi"},
	})
	require.NoError(t, err)
	outcome, _, err := rt.Points.Complete(context.Background(), "task-1", "p1", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "completed", string(outcome))

	_, err = os.Stat(filepath.Join(dir, ".apjsurvey", "apjsurvey.db"))
	assert.NoError(t, err)
	assert.NoError(t, rt.Close())
	assert.NoError(t, rt.Close(), "close twice")
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "postgres"
	_, err := Open(context.Background(), t.TempDir(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestResolveConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("tracking:\n  interval_seconds: 3\n"), 0o644))
	cfg, err := ResolveConfig(dir, path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Tracking.IntervalSeconds)

	cfg, err = ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Tracking.IntervalSeconds)
}
