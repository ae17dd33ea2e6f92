package server

import (
	"encoding/json"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/points"
)

// Request payloads

type ReferenceFileRequest struct {
	Kind string `json:"kind,omitempty" enum:"existing,propose"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string                `json:"id,omitempty"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Type           string                 `json:"type" enum:"propose,existing,propose-existing"`
	SurveyorID     string                 `json:"surveyorId"`
	SurveyorName   *string                `json:"surveyorName,omitempty"`
	SurveyorEmail  *string                `json:"surveyorEmail,omitempty"`
	ReferenceFiles []ReferenceFileRequest `json:"referenceFiles,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in-progress,completed"`
}

type SubmitSurveyRequest struct {
	ID        *string        `json:"id,omitempty"`
	TaskID    *string        `json:"taskId,omitempty"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type RejectSurveyRequest struct {
	Reason string `json:"reason"`
}

// EditSurveyRequest merges details keys over the stored payload; a null value clears the key.
type EditSurveyRequest struct {
	Latitude  *float64       `json:"latitude,omitempty"`
	Longitude *float64       `json:"longitude,omitempty"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type FixRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty" doc:"Unix milliseconds; defaults to the server clock"`
}

type StartTrackingRequest struct {
	SurveyType string     `json:"surveyType" enum:"existing,propose"`
	TaskID     *string    `json:"taskId,omitempty"`
	Fix        FixRequest `json:"fix"`
}

type CompletePointRequest struct {
	PointName *string `json:"pointName,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

type DevLoginRequest struct {
	ID    string  `json:"id"`
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Role  string  `json:"role" enum:"admin,surveyor"`
}

// Response payloads

// SurveyResponse is domain.Survey with the details payload flattened to a JSON object.
type SurveyResponse struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind" enum:"existing,propose"`
	TaskID          string         `json:"taskId,omitempty"`
	SurveyorUID     string         `json:"surveyorUid"`
	SurveyorName    string         `json:"surveyorName"`
	Latitude        float64        `json:"latitude"`
	Longitude       float64        `json:"longitude"`
	Accuracy        *float64       `json:"accuracy,omitempty"`
	Status          string         `json:"status" enum:"menunggu,diverifikasi,tervalidasi,ditolak"`
	ValidatedBy     *string        `json:"validatedBy,omitempty"`
	ValidatedAt     *string        `json:"validatedAt,omitempty"`
	RejectedBy      *string        `json:"rejectedBy,omitempty"`
	RejectedAt      *string        `json:"rejectedAt,omitempty"`
	RejectionReason *string        `json:"rejectionReason,omitempty"`
	EditedBy        *string        `json:"editedBy,omitempty"`
	EditedAt        *string        `json:"editedAt,omitempty"`
	CreatedAt       string         `json:"createdAt" format:"date-time"`
	Details         map[string]any `json:"details" jsonschema:"type=object,additionalProperties=true"`
}

type TickResponse struct {
	SessionID   string `json:"sessionId"`
	Recorded    bool   `json:"recorded"`
	PointsCount int    `json:"pointsCount"`
}

type CompletePointResponse struct {
	Outcome      string              `json:"outcome" enum:"completed,already-completed"`
	Confirmation points.Confirmation `json:"confirmation"`
}

type CompletedPointsResponse struct {
	TaskID    string   `json:"taskId"`
	Completed []string `json:"completed"`
}

type WhoAmIResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role" enum:"admin,surveyor"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type taskListOutput struct {
	Body []domain.Task `json:"body"`
}

type surveyOutput struct {
	Body SurveyResponse `json:"body"`
}

type surveyListOutput struct {
	Body []SurveyResponse `json:"body"`
}

type countsOutput struct {
	Body engine.SurveyCounts `json:"body"`
}

type sessionOutput struct {
	Body domain.TrackingSession `json:"body"`
}

type sessionListOutput struct {
	Body []domain.TrackingSession `json:"body"`
}

func surveyResponse(s domain.Survey) (SurveyResponse, error) {
	details := map[string]any{}
	if s.Details != nil {
		raw, err := json.Marshal(s.Details)
		if err != nil {
			return SurveyResponse{}, err
		}
		if err := json.Unmarshal(raw, &details); err != nil {
			return SurveyResponse{}, err
		}
	}
	return SurveyResponse{
		ID:              s.ID,
		Kind:            string(s.Kind),
		TaskID:          s.TaskID,
		SurveyorUID:     s.SurveyorUID,
		SurveyorName:    s.SurveyorName,
		Latitude:        s.Latitude,
		Longitude:       s.Longitude,
		Accuracy:        s.Accuracy,
		Status:          string(s.Status),
		ValidatedBy:     s.ValidatedBy,
		ValidatedAt:     s.ValidatedAt,
		RejectedBy:      s.RejectedBy,
		RejectedAt:      s.RejectedAt,
		RejectionReason: s.RejectionReason,
		EditedBy:        s.EditedBy,
		EditedAt:        s.EditedAt,
		CreatedAt:       s.CreatedAt,
		Details:         details,
	}, nil
}

func surveyResponses(items []domain.Survey) ([]SurveyResponse, error) {
	out := make([]SurveyResponse, 0, len(items))
	for _, s := range items {
		r, err := surveyResponse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}

func nonNilSessions(items []domain.TrackingSession) []domain.TrackingSession {
	if items == nil {
		return []domain.TrackingSession{}
	}
	return items
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
