package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/events"
	"apjsurvey/internal/store"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Title          string
	Description    string
	Type           domain.TaskType
	Surveyor       domain.Surveyor
	ReferenceFiles []domain.ReferenceFile
	Admin          domain.Admin
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := required("title", opts.Title); err != nil {
		return domain.Task{}, err
	}
	if err := required("description", opts.Description); err != nil {
		return domain.Task{}, err
	}
	if err := required("surveyor", opts.Surveyor.ID); err != nil {
		return domain.Task{}, err
	}
	if err := required("admin", opts.Admin.ID); err != nil {
		return domain.Task{}, err
	}
	if !opts.Type.Valid() {
		return domain.Task{}, ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", opts.Type)}
	}
	files, err := checkReferenceFiles(opts.Type, opts.ReferenceFiles)
	if err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	surveyorName := opts.Surveyor.Name
	if isBlank(surveyorName) {
		surveyorName = opts.Surveyor.ID
	}
	t := domain.Task{
		ID:                  id,
		Title:               strings.TrimSpace(opts.Title),
		Description:         strings.TrimSpace(opts.Description),
		Type:                opts.Type,
		SurveyorID:          opts.Surveyor.ID,
		SurveyorName:        surveyorName,
		SurveyorEmail:       opts.Surveyor.Email,
		Status:              domain.TaskPending,
		ReferenceFiles:      files,
		CreatedByAdminID:    optionalString(opts.Admin.ID),
		CreatedByAdminName:  optionalString(opts.Admin.Name),
		CreatedByAdminEmail: optionalString(opts.Admin.Email),
		CreatedAt:           e.stamp(),
	}
	if err := e.Store.Create(ctx, domain.CollectionTasks, t.ID, t); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	e.events().Record(ctx, "task.created", "task", t.ID, opts.Admin.ID, events.EventPayload{
		"type":        t.Type,
		"surveyor_id": t.SurveyorID,
	})
	e.Log.WithFields(logrus.Fields{"task_id": t.ID, "admin_id": opts.Admin.ID}).Info("task created")
	return t, nil
}

// checkReferenceFiles enforces the file requirement of a task type: one file of the task's own
// kind for single types, one distinct file of each kind for propose-existing.
func checkReferenceFiles(typ domain.TaskType, in []domain.ReferenceFile) ([]domain.ReferenceFile, error) {
	files := make([]domain.ReferenceFile, 0, len(in))
	for _, f := range in {
		if isBlank(f.URL) {
			return nil, ValidationError{Field: "referenceFiles", Reason: "file url is required"}
		}
		if f.Kind == "" && typ != domain.TaskTypeProposeExisting {
			f.Kind = domain.SurveyKind(typ)
		}
		if _, err := domain.ParseSurveyKind(string(f.Kind)); err != nil {
			return nil, ValidationError{Field: "referenceFiles", Reason: err.Error()}
		}
		files = append(files, f)
	}
	switch typ {
	case domain.TaskTypePropose, domain.TaskTypeExisting:
		if len(files) != 1 {
			return nil, ValidationError{Field: "referenceFiles", Reason: fmt.Sprintf("%s task needs exactly one reference file", typ)}
		}
		if files[0].Kind != domain.SurveyKind(typ) {
			return nil, ValidationError{Field: "referenceFiles", Reason: fmt.Sprintf("%s task cannot carry a %s file", typ, files[0].Kind)}
		}
	case domain.TaskTypeProposeExisting:
		if len(files) != 2 {
			return nil, ValidationError{Field: "referenceFiles", Reason: "propose-existing task needs a propose file and an existing file"}
		}
		if files[0].Kind == files[1].Kind {
			return nil, ValidationError{Field: "referenceFiles", Reason: "propose-existing task needs one file of each kind"}
		}
		if files[0].URL == files[1].URL {
			return nil, ValidationError{Field: "referenceFiles", Reason: "propose and existing files must be distinct"}
		}
	}
	return files, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := store.GetAs[domain.Task](ctx, e.Store, domain.CollectionTasks, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

// ListTasksForAdmin returns the tasks admin created plus legacy tasks without a creator, newest
// first.
func (e Engine) ListTasksForAdmin(ctx context.Context, admin domain.Admin) ([]domain.Task, error) {
	all, err := store.ListAs[domain.Task](ctx, e.Store, domain.CollectionTasks, store.Query{OrderBy: "createdAt", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	res := make([]domain.Task, 0, len(all))
	for _, t := range all {
		if t.VisibleTo(admin) {
			res = append(res, t)
		}
	}
	return res, nil
}

// ListTasksForSurveyor returns the assignments of one surveyor, newest first.
func (e Engine) ListTasksForSurveyor(ctx context.Context, surveyorID string) ([]domain.Task, error) {
	if err := required("surveyor", surveyorID); err != nil {
		return nil, err
	}
	q := store.Eq("surveyorId", surveyorID)
	q.OrderBy, q.Desc = "createdAt", true
	res, err := store.ListAs[domain.Task](ctx, e.Store, domain.CollectionTasks, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks for surveyor %s: %w", surveyorID, err)
	}
	return res, nil
}

// ScopedSurveyors returns the ids of surveyors assigned by tasks visible to admin.
func (e Engine) ScopedSurveyors(ctx context.Context, admin domain.Admin) (map[string]struct{}, error) {
	tasks, err := e.ListTasksForAdmin(ctx, admin)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.SurveyorID] = struct{}{}
	}
	return ids, nil
}

// DeleteTask removes the task. Surveys and tracking sessions produced under it stay.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	if err := required("id", id); err != nil {
		return err
	}
	if err := e.Store.Delete(ctx, domain.CollectionTasks, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	e.events().Record(ctx, "task.deleted", "task", id, actorID, nil)
	return nil
}

var taskTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskPending:    {domain.TaskInProgress, domain.TaskCompleted},
	domain.TaskInProgress: {domain.TaskCompleted},
}

func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus) error {
	for _, next := range taskTransitions[oldStatus] {
		if next == newStatus {
			return nil
		}
	}
	return PreconditionError{Op: "set task status", Reason: fmt.Sprintf("invalid task status transition %s -> %s", oldStatus, newStatus)}
}

// SetTaskStatus advances a task toward completed. Setting the current status again is a no-op.
func (e Engine) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, actorID string) (domain.Task, error) {
	switch status {
	case domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted:
	default:
		return domain.Task{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown task status %q", status)}
	}
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == status {
		return t, nil
	}
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return t, err
	}
	now := e.stamp()
	fields := map[string]any{"status": status}
	if t.StartedAt == nil {
		t.StartedAt = &now
		fields["startedAt"] = now
	}
	if status == domain.TaskCompleted {
		t.CompletedAt = &now
		fields["completedAt"] = now
	}
	from := t.Status
	if err := e.Store.Update(ctx, domain.CollectionTasks, id, fields); err != nil {
		return t, fmt.Errorf("set task status: %w", err)
	}
	t.Status = status
	e.events().Record(ctx, "task.status", "task", id, actorID, events.EventPayload{"from": from, "to": status})
	return t, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
