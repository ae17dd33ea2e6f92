package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/events"
	"apjsurvey/internal/store"
)

// SurveySubmission is a surveyor's new field record.
type SurveySubmission struct {
	ID        string
	Kind      domain.SurveyKind
	TaskID    string
	Surveyor  domain.Surveyor
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Details   domain.Details
}

// SubmitSurvey stores a new survey awaiting verification. Coordinates are stored as given.
func (e Engine) SubmitSurvey(ctx context.Context, sub SurveySubmission) (domain.Survey, error) {
	if _, err := domain.ParseSurveyKind(string(sub.Kind)); err != nil {
		return domain.Survey{}, ValidationError{Field: "kind", Reason: err.Error()}
	}
	if err := required("surveyor", sub.Surveyor.ID); err != nil {
		return domain.Survey{}, err
	}
	if err := finite(sub.Latitude, sub.Longitude); err != nil {
		return domain.Survey{}, err
	}
	details := sub.Details
	if details == nil {
		details, _ = domain.NewDetails(sub.Kind)
	}
	if details.SurveyKind() != sub.Kind {
		return domain.Survey{}, ValidationError{Field: "details", Reason: fmt.Sprintf("%s details on a %s survey", details.SurveyKind(), sub.Kind)}
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := domain.Survey{
		ID:           id,
		Kind:         sub.Kind,
		TaskID:       sub.TaskID,
		SurveyorUID:  sub.Surveyor.ID,
		SurveyorName: sub.Surveyor.Name,
		Latitude:     sub.Latitude,
		Longitude:    sub.Longitude,
		Accuracy:     sub.Accuracy,
		Status:       domain.StatusMenunggu,
		CreatedAt:    e.stamp(),
		Details:      details,
	}
	if err := e.Store.Create(ctx, sub.Kind.Collection(), s.ID, s); err != nil {
		return domain.Survey{}, fmt.Errorf("submit survey: %w", err)
	}
	e.events().Record(ctx, "survey.submitted", "survey", s.ID, sub.Surveyor.ID, events.EventPayload{"kind": s.Kind, "task_id": s.TaskID})
	return s, nil
}

func (e Engine) GetSurvey(ctx context.Context, kind domain.SurveyKind, id string) (domain.Survey, error) {
	if _, err := domain.ParseSurveyKind(string(kind)); err != nil {
		return domain.Survey{}, ValidationError{Field: "kind", Reason: err.Error()}
	}
	s, err := store.GetAs[domain.Survey](ctx, e.Store, kind.Collection(), id)
	if err != nil {
		return domain.Survey{}, fmt.Errorf("survey %s/%s: %w", kind, id, err)
	}
	return withKind(s, kind)
}

// withKind fills in the kind of records written without one.
func withKind(s domain.Survey, kind domain.SurveyKind) (domain.Survey, error) {
	if s.Kind == "" {
		s.Kind = kind
	}
	if s.Details == nil {
		d, err := domain.NewDetails(s.Kind)
		if err != nil {
			return s, err
		}
		s.Details = d
	}
	return s, nil
}

// finite rejects coordinates the JSON record store cannot encode. Out of range values are kept.
func finite(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return ValidationError{Field: "coordinates", Reason: "must be finite numbers"}
	}
	return nil
}

func deref(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

// SurveyFilter narrows ListSurveys. Empty fields match everything; an empty Kind lists both.
type SurveyFilter struct {
	Kind        domain.SurveyKind
	Status      domain.SurveyStatus
	SurveyorUID string
	TaskID      string
}

func (f SurveyFilter) kinds() ([]domain.SurveyKind, error) {
	if f.Kind == "" {
		return []domain.SurveyKind{domain.KindExisting, domain.KindPropose}, nil
	}
	if _, err := domain.ParseSurveyKind(string(f.Kind)); err != nil {
		return nil, ValidationError{Field: "kind", Reason: err.Error()}
	}
	return []domain.SurveyKind{f.Kind}, nil
}

// ListSurveys returns matching surveys, newest first within each kind.
func (e Engine) ListSurveys(ctx context.Context, f SurveyFilter) ([]domain.Survey, error) {
	kinds, err := f.kinds()
	if err != nil {
		return nil, err
	}
	var q store.Query
	if f.Status != "" {
		q.Where = append(q.Where, store.Cond{Field: "status", Value: string(f.Status)})
	}
	if f.SurveyorUID != "" {
		q.Where = append(q.Where, store.Cond{Field: "surveyorUid", Value: f.SurveyorUID})
	}
	if f.TaskID != "" {
		q.Where = append(q.Where, store.Cond{Field: "taskId", Value: f.TaskID})
	}
	q.OrderBy, q.Desc = "createdAt", true
	var res []domain.Survey
	for _, kind := range kinds {
		rows, err := store.ListAs[domain.Survey](ctx, e.Store, kind.Collection(), q)
		if err != nil {
			return nil, fmt.Errorf("list %s surveys: %w", kind, err)
		}
		for _, s := range rows {
			s, err := withKind(s, kind)
			if err != nil {
				return nil, err
			}
			res = append(res, s)
		}
	}
	return res, nil
}

// VerificationQueue lists surveys awaiting field verification. It is not scoped by admin.
func (e Engine) VerificationQueue(ctx context.Context, kind domain.SurveyKind) ([]domain.Survey, error) {
	return e.ListSurveys(ctx, SurveyFilter{Kind: kind, Status: domain.StatusMenunggu})
}

// ValidationQueue lists verified surveys of both kinds whose surveyor was assigned by a task
// visible to admin.
func (e Engine) ValidationQueue(ctx context.Context, admin domain.Admin) ([]domain.Survey, error) {
	scope, err := e.ScopedSurveyors(ctx, admin)
	if err != nil {
		return nil, err
	}
	verified, err := e.ListSurveys(ctx, SurveyFilter{Status: domain.StatusDiverifikasi})
	if err != nil {
		return nil, err
	}
	res := make([]domain.Survey, 0, len(verified))
	for _, s := range verified {
		if _, ok := scope[s.SurveyorUID]; ok {
			res = append(res, s)
		}
	}
	return res, nil
}

var surveyTransitions = map[domain.SurveyStatus][]domain.SurveyStatus{
	domain.StatusMenunggu:     {domain.StatusDiverifikasi, domain.StatusDitolak},
	domain.StatusDiverifikasi: {domain.StatusTervalidasi, domain.StatusDitolak},
}

func ensureSurveyTransition(op string, oldStatus, newStatus domain.SurveyStatus) error {
	for _, next := range surveyTransitions[oldStatus] {
		if next == newStatus {
			return nil
		}
	}
	return PreconditionError{Op: op, Reason: fmt.Sprintf("survey is %s, cannot move to %s", oldStatus, newStatus)}
}

func (e Engine) ensureInScope(ctx context.Context, op string, s domain.Survey, admin domain.Admin) error {
	scope, err := e.ScopedSurveyors(ctx, admin)
	if err != nil {
		return err
	}
	if _, ok := scope[s.SurveyorUID]; !ok {
		return PreconditionError{Op: op, Reason: fmt.Sprintf("surveyor %s is not assigned by admin %s", s.SurveyorUID, admin.ID)}
	}
	return nil
}

// actorName is what lands in validatedBy, rejectedBy and editedBy.
func actorName(admin domain.Admin) string {
	for _, v := range []string{admin.Name, admin.Email, admin.ID} {
		if !isBlank(v) {
			return v
		}
	}
	return ""
}

func (e Engine) surveyLog(s domain.Survey, admin domain.Admin) logrus.FieldLogger {
	return e.Log.WithFields(logrus.Fields{"survey_id": s.ID, "kind": s.Kind, "admin_id": admin.ID})
}

// VerifySurvey marks a waiting survey as field-verified. No identity is recorded.
func (e Engine) VerifySurvey(ctx context.Context, kind domain.SurveyKind, id, actorID string) (domain.Survey, error) {
	s, err := e.GetSurvey(ctx, kind, id)
	if err != nil {
		return domain.Survey{}, err
	}
	if s.Status != domain.StatusMenunggu {
		return s, PreconditionError{Op: "verify", Reason: fmt.Sprintf("survey is %s, only %s surveys can be verified", s.Status, domain.StatusMenunggu)}
	}
	if err := e.Store.Update(ctx, kind.Collection(), id, map[string]any{"status": domain.StatusDiverifikasi}); err != nil {
		return s, fmt.Errorf("verify survey: %w", err)
	}
	from := s.Status
	s.Status = domain.StatusDiverifikasi
	e.recordTransition(ctx, "survey.verified", s, actorID, from)
	return s, nil
}

// ValidateSurvey gives final sign-off on a verified survey inside admin's scope.
func (e Engine) ValidateSurvey(ctx context.Context, kind domain.SurveyKind, id string, admin domain.Admin) (domain.Survey, error) {
	by := actorName(admin)
	if by == "" {
		return domain.Survey{}, ValidationError{Field: "admin", Reason: "acting admin identity is required"}
	}
	s, err := e.GetSurvey(ctx, kind, id)
	if err != nil {
		return domain.Survey{}, err
	}
	if err := ensureSurveyTransition("validate", s.Status, domain.StatusTervalidasi); err != nil {
		return s, err
	}
	if err := e.ensureInScope(ctx, "validate", s, admin); err != nil {
		return s, err
	}
	now := e.stamp()
	fields := map[string]any{
		"status":          domain.StatusTervalidasi,
		"validatedBy":     by,
		"validatedAt":     now,
		"rejectedBy":      nil,
		"rejectedAt":      nil,
		"rejectionReason": nil,
	}
	if err := e.Store.Update(ctx, kind.Collection(), id, fields); err != nil {
		return s, fmt.Errorf("validate survey: %w", err)
	}
	from := s.Status
	s.Status = domain.StatusTervalidasi
	s.ValidatedBy, s.ValidatedAt = &by, &now
	s.RejectedBy, s.RejectedAt, s.RejectionReason = nil, nil, nil
	e.recordTransition(ctx, "survey.validated", s, admin.ID, from)
	e.surveyLog(s, admin).Info("survey validated")
	return s, nil
}

// RejectSurvey rejects a waiting or verified survey. A blank reason aborts before anything is
// read or written.
func (e Engine) RejectSurvey(ctx context.Context, kind domain.SurveyKind, id string, admin domain.Admin, reason string) (domain.Survey, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Survey{}, ValidationError{Field: "rejectionReason", Reason: "required"}
	}
	by := actorName(admin)
	if by == "" {
		return domain.Survey{}, ValidationError{Field: "admin", Reason: "acting admin identity is required"}
	}
	s, err := e.GetSurvey(ctx, kind, id)
	if err != nil {
		return domain.Survey{}, err
	}
	if err := ensureSurveyTransition("reject", s.Status, domain.StatusDitolak); err != nil {
		return s, err
	}
	if s.Status == domain.StatusDiverifikasi {
		if err := e.ensureInScope(ctx, "reject", s, admin); err != nil {
			return s, err
		}
	}
	now := e.stamp()
	fields := map[string]any{
		"status":          domain.StatusDitolak,
		"rejectedBy":      by,
		"rejectedAt":      now,
		"rejectionReason": reason,
		"validatedBy":     nil,
		"validatedAt":     nil,
	}
	if err := e.Store.Update(ctx, kind.Collection(), id, fields); err != nil {
		return s, fmt.Errorf("reject survey: %w", err)
	}
	from := s.Status
	s.Status = domain.StatusDitolak
	s.RejectedBy, s.RejectedAt, s.RejectionReason = &by, &now, &reason
	s.ValidatedBy, s.ValidatedAt = nil, nil
	e.recordTransition(ctx, "survey.rejected", s, admin.ID, from)
	e.surveyLog(s, admin).WithField("reason", reason).Info("survey rejected")
	return s, nil
}

// SurveyEdit is an admin field correction. Details keys are merged over the current payload;
// a null value clears that key.
type SurveyEdit struct {
	Latitude  *float64
	Longitude *float64
	Accuracy  *float64
	Details   map[string]any
}

func (s SurveyEdit) empty() bool {
	return s.Latitude == nil && s.Longitude == nil && s.Accuracy == nil && len(s.Details) == 0
}

// EditSurvey applies an admin correction without changing the status.
func (e Engine) EditSurvey(ctx context.Context, kind domain.SurveyKind, id string, admin domain.Admin, edit SurveyEdit) (domain.Survey, error) {
	if edit.empty() {
		return domain.Survey{}, ValidationError{Field: "edit", Reason: "no changes"}
	}
	by := actorName(admin)
	if by == "" {
		return domain.Survey{}, ValidationError{Field: "admin", Reason: "acting admin identity is required"}
	}
	s, err := e.GetSurvey(ctx, kind, id)
	if err != nil {
		return domain.Survey{}, err
	}
	fields := map[string]any{}
	if edit.Latitude != nil || edit.Longitude != nil {
		if err := finite(deref(edit.Latitude, s.Latitude), deref(edit.Longitude, s.Longitude)); err != nil {
			return domain.Survey{}, err
		}
	}
	if edit.Latitude != nil {
		s.Latitude = *edit.Latitude
		fields["latitude"] = s.Latitude
	}
	if edit.Longitude != nil {
		s.Longitude = *edit.Longitude
		fields["longitude"] = s.Longitude
	}
	if edit.Accuracy != nil {
		s.Accuracy = edit.Accuracy
		fields["accuracy"] = *edit.Accuracy
	}
	if len(edit.Details) > 0 {
		details, err := mergeDetails(s.Kind, s.Details, edit.Details)
		if err != nil {
			return domain.Survey{}, err
		}
		s.Details = details
		fields["details"] = details
	}
	now := e.stamp()
	s.EditedBy, s.EditedAt = &by, &now
	fields["editedBy"] = by
	fields["editedAt"] = now
	if err := e.Store.Update(ctx, kind.Collection(), id, fields); err != nil {
		return domain.Survey{}, fmt.Errorf("edit survey: %w", err)
	}
	e.recordTransition(ctx, "survey.edited", s, admin.ID, s.Status)
	return s, nil
}

func mergeDetails(kind domain.SurveyKind, current domain.Details, patch map[string]any) (domain.Details, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	out, err := domain.ParseDetails(kind, raw)
	if err != nil {
		return nil, ValidationError{Field: "details", Reason: err.Error()}
	}
	return out, nil
}

// DeleteSurvey removes the survey. Deleting a missing survey succeeds.
func (e Engine) DeleteSurvey(ctx context.Context, kind domain.SurveyKind, id, actorID string) error {
	if _, err := domain.ParseSurveyKind(string(kind)); err != nil {
		return ValidationError{Field: "kind", Reason: err.Error()}
	}
	if err := e.Store.Delete(ctx, kind.Collection(), id); err != nil {
		return fmt.Errorf("delete survey: %w", err)
	}
	e.events().Record(ctx, "survey.deleted", "survey", id, actorID, events.EventPayload{"kind": kind})
	return nil
}

func (e Engine) recordTransition(ctx context.Context, evtType string, s domain.Survey, actorID string, from domain.SurveyStatus) {
	e.events().Record(ctx, evtType, "survey", s.ID, actorID, events.EventPayload{
		"kind": s.Kind,
		"from": from,
		"to":   s.Status,
	})
}

// SurveyCounts is derived on every call from the current records.
type SurveyCounts struct {
	Total    int                                               `json:"total"`
	ByKind   map[domain.SurveyKind]int                         `json:"byKind"`
	ByStatus map[domain.SurveyStatus]int                       `json:"byStatus"`
	Matrix   map[domain.SurveyKind]map[domain.SurveyStatus]int `json:"matrix"`
}

func (e Engine) SurveyCounts(ctx context.Context) (SurveyCounts, error) {
	c := SurveyCounts{
		ByKind:   map[domain.SurveyKind]int{},
		ByStatus: map[domain.SurveyStatus]int{},
		Matrix:   map[domain.SurveyKind]map[domain.SurveyStatus]int{},
	}
	for _, st := range domain.SurveyStatuses {
		c.ByStatus[st] = 0
	}
	for _, kind := range []domain.SurveyKind{domain.KindExisting, domain.KindPropose} {
		c.ByKind[kind] = 0
		c.Matrix[kind] = map[domain.SurveyStatus]int{}
		for _, st := range domain.SurveyStatuses {
			c.Matrix[kind][st] = 0
		}
	}
	all, err := e.ListSurveys(ctx, SurveyFilter{})
	if err != nil {
		return c, err
	}
	for _, s := range all {
		c.Total++
		c.ByKind[s.Kind]++
		c.ByStatus[s.Status]++
		c.Matrix[s.Kind][s.Status]++
	}
	return c, nil
}
