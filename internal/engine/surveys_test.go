package engine_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/store"
)

func TestRejectWithoutReasonChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, adminA, budi)
	s := env.submit(t, domain.KindExisting, budi)

	for _, reason := range []string{"", "   "} {
		_, err := env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminA, reason)
		var verr engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "rejectionReason", verr.Field)
	}
	got, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMenunggu, got.Status)
	assert.Nil(t, got.RejectedBy)
	assert.Nil(t, got.RejectedAt)
	assert.Nil(t, got.RejectionReason)
}

func TestRejectFromMenunggu(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, domain.KindPropose, budi)

	// waiting surveys can be rejected without the surveyor being in scope
	got, err := env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminB, "Data tidak valid")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDitolak, got.Status)

	persisted, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDitolak, persisted.Status)
	require.NotNil(t, persisted.RejectionReason)
	assert.Equal(t, "Data tidak valid", *persisted.RejectionReason)
	assert.Equal(t, adminB.Name, *persisted.RejectedBy)
	assert.NotNil(t, persisted.RejectedAt)
	assert.Nil(t, persisted.ValidatedBy)

	_, err = env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminB, "again")
	assert.True(t, engine.IsPrecondition(err), "rejected surveys cannot be rejected again")
}

func TestValidateOnlyFromDiverifikasi(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, adminA, budi)
	s := env.submit(t, domain.KindExisting, budi)

	_, err := env.Engine.ValidateSurvey(env.Ctx, s.Kind, s.ID, adminA)
	var perr engine.PreconditionError
	require.ErrorAs(t, err, &perr)

	got, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMenunggu, got.Status)
	assert.Nil(t, got.ValidatedBy)
	assert.Nil(t, got.ValidatedAt)
}

func TestVerifyOnlyFromMenunggu(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, domain.KindExisting, budi)

	got, err := env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiverifikasi, got.Status)
	assert.Nil(t, got.ValidatedBy, "verify records no identity")

	_, err = env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
	assert.True(t, engine.IsPrecondition(err))

	_, err = env.Engine.VerifySurvey(env.Ctx, s.Kind, "missing", adminA.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateAndRejectVerifiedRequireScope(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, adminA, budi)
	s := env.submit(t, domain.KindExisting, budi)
	_, err := env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
	require.NoError(t, err)

	_, err = env.Engine.ValidateSurvey(env.Ctx, s.Kind, s.ID, adminB)
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminB, "bukan wilayah saya")
	assert.True(t, engine.IsPrecondition(err))

	got, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiverifikasi, got.Status)

	got, err = env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminA, "Foto buram")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDitolak, got.Status)
}

func TestEditKeepsStatusAndRecordsEditor(t *testing.T) {
	env := newTestEnv(t)
	height := 9.0
	s, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{
		Kind:     domain.KindExisting,
		Surveyor: budi,
		Details:  &domain.ExistingDetails{RoadName: "Jl. Merdeka", LampHeight: &height, Notes: "miring"},
	})
	require.NoError(t, err)
	_, err = env.Engine.RejectSurvey(env.Ctx, s.Kind, s.ID, adminA, "Tinggi salah")
	require.NoError(t, err)

	lat := -6.25
	got, err := env.Engine.EditSurvey(env.Ctx, s.Kind, s.ID, adminA, engine.SurveyEdit{
		Latitude: &lat,
		Details:  map[string]any{"lampHeight": 7.5, "notes": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDitolak, got.Status)

	persisted, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDitolak, persisted.Status)
	assert.Equal(t, lat, persisted.Latitude)
	require.NotNil(t, persisted.EditedBy)
	assert.Equal(t, adminA.Name, *persisted.EditedBy)
	require.NotNil(t, persisted.RejectionReason, "edit keeps lifecycle fields")
	details, ok := persisted.Details.(*domain.ExistingDetails)
	require.True(t, ok)
	assert.Equal(t, "Jl. Merdeka", details.RoadName)
	assert.Equal(t, 7.5, *details.LampHeight)
	assert.Empty(t, details.Notes)

	_, err = env.Engine.EditSurvey(env.Ctx, s.Kind, s.ID, adminA, engine.SurveyEdit{Details: map[string]any{"roadWidth": 6}})
	assert.True(t, engine.IsValidation(err), "propose-only field on an existing survey")
	_, err = env.Engine.EditSurvey(env.Ctx, s.Kind, s.ID, adminA, engine.SurveyEdit{})
	assert.True(t, engine.IsValidation(err))
}

func TestSubmitSurveyValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: "street", Surveyor: budi})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: domain.KindExisting})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: domain.KindExisting, Surveyor: budi, Details: &domain.ProposeDetails{}})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: domain.KindExisting, Surveyor: budi, Latitude: math.NaN()})
	assert.True(t, engine.IsValidation(err))

	s, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: domain.KindPropose, Surveyor: budi, Latitude: 120, Longitude: 300})
	require.NoError(t, err, "out of range coordinates are stored as given")
	assert.Equal(t, domain.StatusMenunggu, s.Status)
	assert.Equal(t, domain.KindPropose, s.Details.SurveyKind())
}

func TestQueues(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, adminA, budi)
	env.assign(t, adminB, sari)
	budiExisting := env.submit(t, domain.KindExisting, budi)
	budiPropose := env.submit(t, domain.KindPropose, budi)
	sariExisting := env.submit(t, domain.KindExisting, sari)
	waiting := env.submit(t, domain.KindPropose, sari)
	for _, s := range []domain.Survey{budiExisting, budiPropose, sariExisting} {
		_, err := env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
		require.NoError(t, err)
	}

	queue, err := env.Engine.ValidationQueue(env.Ctx, adminA)
	require.NoError(t, err)
	var ids []string
	for _, s := range queue {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{budiExisting.ID, budiPropose.ID}, ids)

	pending, err := env.Engine.VerificationQueue(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, waiting.ID, pending[0].ID)

	pending, err = env.Engine.VerificationQueue(env.Ctx, domain.KindExisting)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSurveyCountsAreRecomputed(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, domain.KindExisting, budi)
	env.submit(t, domain.KindExisting, budi)
	p := env.submit(t, domain.KindPropose, sari)
	_, err := env.Engine.VerifySurvey(env.Ctx, p.Kind, p.ID, adminA.ID)
	require.NoError(t, err)

	c, err := env.Engine.SurveyCounts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 2, c.ByKind[domain.KindExisting])
	assert.Equal(t, 1, c.ByKind[domain.KindPropose])
	assert.Equal(t, 2, c.ByStatus[domain.StatusMenunggu])
	assert.Equal(t, 1, c.ByStatus[domain.StatusDiverifikasi])
	assert.Equal(t, 0, c.ByStatus[domain.StatusTervalidasi])
	assert.Equal(t, 1, c.Matrix[domain.KindPropose][domain.StatusDiverifikasi])

	require.NoError(t, env.Engine.DeleteSurvey(env.Ctx, a.Kind, a.ID, adminA.ID))
	require.NoError(t, env.Engine.DeleteSurvey(env.Ctx, a.Kind, a.ID, adminA.ID))
	c, err = env.Engine.SurveyCounts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, 1, c.ByStatus[domain.StatusMenunggu])
}

func TestStoreFailureSurfacesAsStoreError(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, domain.KindExisting, budi)
	require.NoError(t, env.DB.Close())

	_, err := env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
	var serr *store.Error
	assert.True(t, errors.As(err, &serr))
}

// Admin A assigns Budi an existing-lighting task, Budi submits, A verifies and validates.
func TestScenarioAssignSubmitVerifyValidate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Survey Jl. Sudirman", Description: "Tiang sisi timur",
		Type:           domain.TaskTypeProposeExisting,
		Surveyor:       budi,
		ReferenceFiles: []domain.ReferenceFile{{Kind: domain.KindPropose, URL: "https://f/propose.kmz"}},
		Admin:          adminA,
	})
	require.True(t, engine.IsValidation(err))

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Survey Jl. Sudirman", Description: "Tiang sisi timur",
		Type:           domain.TaskTypeExisting,
		Surveyor:       budi,
		ReferenceFiles: []domain.ReferenceFile{{Kind: domain.KindExisting, URL: "https://f/existing.kmz"}},
		Admin:          adminA,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, "Budi", task.SurveyorName)

	s, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{
		Kind: domain.KindExisting, TaskID: task.ID, Surveyor: budi, Latitude: -6.2, Longitude: 106.8,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMenunggu, s.Status)

	s, err = env.Engine.VerifySurvey(env.Ctx, s.Kind, s.ID, adminA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiverifikasi, s.Status)

	s, err = env.Engine.ValidateSurvey(env.Ctx, s.Kind, s.ID, adminA)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTervalidasi, s.Status)

	persisted, err := env.Engine.GetSurvey(env.Ctx, s.Kind, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTervalidasi, persisted.Status)
	require.NotNil(t, persisted.ValidatedBy)
	assert.Equal(t, "Admin A", *persisted.ValidatedBy)
	assert.Equal(t, "2024-01-01T00:00:00Z", *persisted.ValidatedAt)
	assert.Nil(t, persisted.RejectionReason)

	trail, err := env.Engine.Events.List(env.Ctx, "survey", s.ID)
	require.NoError(t, err)
	var types []string
	for _, evt := range trail {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{"survey.submitted", "survey.verified", "survey.validated"}, types)
}
