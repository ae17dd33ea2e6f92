package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/store"
)

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	propose := domain.ReferenceFile{Kind: domain.KindPropose, URL: "https://f/propose.kmz"}
	existing := domain.ReferenceFile{Kind: domain.KindExisting, URL: "https://f/existing.kmz"}
	base := engine.TaskCreateOptions{
		Title: "Task", Description: "Desc", Type: domain.TaskTypeExisting,
		Surveyor: budi, Admin: adminA, ReferenceFiles: []domain.ReferenceFile{existing},
	}
	cases := map[string]func(o *engine.TaskCreateOptions){
		"empty title":       func(o *engine.TaskCreateOptions) { o.Title = " " },
		"empty description": func(o *engine.TaskCreateOptions) { o.Description = "" },
		"empty surveyor":    func(o *engine.TaskCreateOptions) { o.Surveyor = domain.Surveyor{} },
		"unknown type":      func(o *engine.TaskCreateOptions) { o.Type = "street" },
		"existing without file": func(o *engine.TaskCreateOptions) {
			o.ReferenceFiles = nil
		},
		"existing with two files": func(o *engine.TaskCreateOptions) {
			o.ReferenceFiles = []domain.ReferenceFile{existing, {Kind: domain.KindExisting, URL: "https://f/other.kmz"}}
		},
		"existing with propose file": func(o *engine.TaskCreateOptions) {
			o.ReferenceFiles = []domain.ReferenceFile{propose}
		},
		"propose-existing missing second file": func(o *engine.TaskCreateOptions) {
			o.Type = domain.TaskTypeProposeExisting
			o.ReferenceFiles = []domain.ReferenceFile{propose}
		},
		"propose-existing same kind twice": func(o *engine.TaskCreateOptions) {
			o.Type = domain.TaskTypeProposeExisting
			o.ReferenceFiles = []domain.ReferenceFile{propose, {Kind: domain.KindPropose, URL: "https://f/p2.kmz"}}
		},
		"propose-existing same url": func(o *engine.TaskCreateOptions) {
			o.Type = domain.TaskTypeProposeExisting
			o.ReferenceFiles = []domain.ReferenceFile{propose, {Kind: domain.KindExisting, URL: propose.URL}}
		},
		"blank url": func(o *engine.TaskCreateOptions) {
			o.ReferenceFiles = []domain.ReferenceFile{{Kind: domain.KindExisting}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			_, err := env.Engine.CreateTask(env.Ctx, opts)
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	tasks, err := env.Engine.ListTasksForAdmin(env.Ctx, adminA)
	require.NoError(t, err)
	assert.Empty(t, tasks, "failed creates must not persist")

	opts := base
	opts.Type = domain.TaskTypeProposeExisting
	opts.ReferenceFiles = []domain.ReferenceFile{propose, existing}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	require.NoError(t, err)
	assert.Len(t, task.ReferenceFiles, 2)
}

func TestCreateTaskPersistsPendingWithCreator(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, adminA, budi)
	assert.Equal(t, domain.TaskPending, task.Status)
	require.NotNil(t, task.CreatedByAdminID)
	assert.Equal(t, adminA.ID, *task.CreatedByAdminID)
	assert.Equal(t, adminA.Name, *task.CreatedByAdminName)
	assert.Equal(t, domain.KindExisting, task.ReferenceFiles[0].Kind, "file kind defaults to the task type")
	assert.Equal(t, "2024-01-01T00:00:00Z", task.CreatedAt)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestListTasksForAdminScoping(t *testing.T) {
	env := newTestEnv(t)
	legacy := domain.Task{ID: "legacy", Title: "Old", Description: "d", Type: domain.TaskTypePropose, SurveyorID: "sari", Status: domain.TaskPending}
	require.NoError(t, env.Store.Create(env.Ctx, domain.CollectionTasks, legacy.ID, legacy))
	mine := env.assign(t, adminA, budi)
	theirs := env.assign(t, adminB, sari)

	ids := func(tasks []domain.Task) []string {
		var out []string
		for _, task := range tasks {
			out = append(out, task.ID)
		}
		return out
	}
	forA, err := env.Engine.ListTasksForAdmin(env.Ctx, adminA)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID, legacy.ID}, ids(forA), "newest first, legacy visible")

	forB, err := env.Engine.ListTasksForAdmin(env.Ctx, adminB)
	require.NoError(t, err)
	assert.Equal(t, []string{theirs.ID, legacy.ID}, ids(forB))

	scope, err := env.Engine.ScopedSurveyors(env.Ctx, adminA)
	require.NoError(t, err)
	assert.Contains(t, scope, "budi")
	assert.Contains(t, scope, "sari", "legacy task puts its surveyor in every admin's scope")
}

func TestListTasksForAdminTreatsEmptyCreatorAsLegacy(t *testing.T) {
	env := newTestEnv(t)
	raw := map[string]any{
		"id": "blank-creator", "title": "Old", "description": "d", "type": "existing",
		"surveyorId": "sari", "surveyorName": "Sari", "status": "pending", "createdByAdminId": "",
	}
	require.NoError(t, env.Store.Create(env.Ctx, domain.CollectionTasks, "blank-creator", raw))

	for _, admin := range []domain.Admin{adminA, adminB} {
		tasks, err := env.Engine.ListTasksForAdmin(env.Ctx, admin)
		require.NoError(t, err)
		require.Len(t, tasks, 1, admin.ID)
		assert.Equal(t, "blank-creator", tasks[0].ID)
	}
	scope, err := env.Engine.ScopedSurveyors(env.Ctx, adminB)
	require.NoError(t, err)
	assert.Contains(t, scope, "sari")
}

func TestListTasksForSurveyor(t *testing.T) {
	env := newTestEnv(t)
	first := env.assign(t, adminA, budi)
	env.assign(t, adminA, sari)
	second := env.assign(t, adminB, budi)

	tasks, err := env.Engine.ListTasksForSurveyor(env.Ctx, budi.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)
}

func TestDeleteTaskIsIdempotentAndDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, adminA, budi)
	sub, err := env.Engine.SubmitSurvey(env.Ctx, engine.SurveySubmission{Kind: domain.KindExisting, TaskID: task.ID, Surveyor: budi})
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, task.ID, adminA.ID))
	require.NoError(t, env.Engine.DeleteTask(env.Ctx, task.ID, adminA.ID))
	_, err = env.Engine.GetTask(env.Ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.Engine.GetSurvey(env.Ctx, domain.KindExisting, sub.ID)
	assert.NoError(t, err)
}

func TestSetTaskStatusMovesForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, adminA, budi)

	task, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress, budi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)

	task, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, budi.ID)
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)

	_, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskPending, budi.ID)
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, "archived", budi.ID)
	assert.True(t, engine.IsValidation(err))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, task.StartedAt, got.StartedAt)
}
