package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record collections.
const (
	CollectionTasks            = "tasks"
	CollectionSurveyExisting   = "survey-existing"
	CollectionSurveyPropose    = "survey-apj-propose"
	CollectionTrackingSessions = "tracking-sessions"
	CollectionEvents           = "events"
)

type TaskType string

const (
	TaskTypePropose         TaskType = "propose"
	TaskTypeExisting        TaskType = "existing"
	TaskTypeProposeExisting TaskType = "propose-existing"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypePropose, TaskTypeExisting, TaskTypeProposeExisting:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// Admin is the acting administrator identity.
type Admin struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Surveyor is the field user a task is assigned to.
type Surveyor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ReferenceFile points at an already uploaded boundary file.
type ReferenceFile struct {
	Kind SurveyKind `json:"kind"`
	URL  string     `json:"url"`
	Name string     `json:"name,omitempty"`
}

type Task struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	Type                TaskType        `json:"type" enum:"propose,existing,propose-existing"`
	SurveyorID          string          `json:"surveyorId"`
	SurveyorName        string          `json:"surveyorName"`
	SurveyorEmail       string          `json:"surveyorEmail,omitempty"`
	Status              TaskStatus      `json:"status" enum:"pending,in-progress,completed"`
	ReferenceFiles      []ReferenceFile `json:"referenceFiles,omitempty"`
	CreatedByAdminID    *string         `json:"createdByAdminId,omitempty"`
	CreatedByAdminName  *string         `json:"createdByAdminName,omitempty"`
	CreatedByAdminEmail *string         `json:"createdByAdminEmail,omitempty"`
	CreatedAt           string          `json:"createdAt" format:"date-time"`
	StartedAt           *string         `json:"startedAt,omitempty" format:"date-time"`
	CompletedAt         *string         `json:"completedAt,omitempty" format:"date-time"`
}

// VisibleTo reports whether admin may see the task. Tasks without a creator are legacy and
// visible to every admin; an empty creator id counts as absent.
func (t Task) VisibleTo(admin Admin) bool {
	return t.CreatedByAdminID == nil || *t.CreatedByAdminID == "" || *t.CreatedByAdminID == admin.ID
}

type SurveyKind string

const (
	KindExisting SurveyKind = "existing"
	KindPropose  SurveyKind = "propose"
)

func ParseSurveyKind(s string) (SurveyKind, error) {
	switch SurveyKind(s) {
	case KindExisting, KindPropose:
		return SurveyKind(s), nil
	}
	return "", fmt.Errorf("unknown survey kind %q", s)
}

// Collection returns the record collection surveys of this kind live in.
func (k SurveyKind) Collection() string {
	if k == KindPropose {
		return CollectionSurveyPropose
	}
	return CollectionSurveyExisting
}

type SurveyStatus string

const (
	StatusMenunggu     SurveyStatus = "menunggu"
	StatusDiverifikasi SurveyStatus = "diverifikasi"
	StatusTervalidasi  SurveyStatus = "tervalidasi"
	StatusDitolak      SurveyStatus = "ditolak"
)

var SurveyStatuses = []SurveyStatus{StatusMenunggu, StatusDiverifikasi, StatusTervalidasi, StatusDitolak}

func ParseSurveyStatus(s string) (SurveyStatus, error) {
	for _, st := range SurveyStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown survey status %q", s)
}

// Survey is the common envelope shared by both survey kinds. The lifecycle only ever reads
// the envelope; Details is carried through untouched.
type Survey struct {
	ID              string       `json:"id"`
	Kind            SurveyKind   `json:"kind"`
	TaskID          string       `json:"taskId,omitempty"`
	SurveyorUID     string       `json:"surveyorUid"`
	SurveyorName    string       `json:"surveyorName"`
	Latitude        float64      `json:"latitude"`
	Longitude       float64      `json:"longitude"`
	Accuracy        *float64     `json:"accuracy,omitempty"`
	Status          SurveyStatus `json:"status"`
	ValidatedBy     *string      `json:"validatedBy,omitempty"`
	ValidatedAt     *string      `json:"validatedAt,omitempty"`
	RejectedBy      *string      `json:"rejectedBy,omitempty"`
	RejectedAt      *string      `json:"rejectedAt,omitempty"`
	RejectionReason *string      `json:"rejectionReason,omitempty"`
	EditedBy        *string      `json:"editedBy,omitempty"`
	EditedAt        *string      `json:"editedAt,omitempty"`
	CreatedAt       string       `json:"createdAt"`
	Details         Details      `json:"details"`
}

// Details is the kind-specific payload of a survey.
type Details interface {
	SurveyKind() SurveyKind
}

type ExistingDetails struct {
	RoadName      string   `json:"roadName,omitempty"`
	PoleID        string   `json:"poleId,omitempty"`
	PoleOwnership string   `json:"poleOwnership,omitempty"`
	PoleType      string   `json:"poleType,omitempty"`
	LampHeight    *float64 `json:"lampHeight,omitempty"`
	LampType      string   `json:"lampType,omitempty"`
	LampPower     *float64 `json:"lampPower,omitempty"`
	ArmLength     *float64 `json:"armLength,omitempty"`
	Condition     string   `json:"condition,omitempty"`
	PhotoURL      string   `json:"photoUrl,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

func (ExistingDetails) SurveyKind() SurveyKind { return KindExisting }

type ProposeDetails struct {
	RoadName     string   `json:"roadName,omitempty"`
	RoadWidth    *float64 `json:"roadWidth,omitempty"`
	PoleSpacing  *float64 `json:"poleSpacing,omitempty"`
	LampHeight   *float64 `json:"lampHeight,omitempty"`
	LampPower    *float64 `json:"lampPower,omitempty"`
	ProposedType string   `json:"proposedType,omitempty"`
	PhotoURL     string   `json:"photoUrl,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

func (ProposeDetails) SurveyKind() SurveyKind { return KindPropose }

// NewDetails returns an empty payload for kind.
func NewDetails(kind SurveyKind) (Details, error) {
	switch kind {
	case KindExisting:
		return &ExistingDetails{}, nil
	case KindPropose:
		return &ProposeDetails{}, nil
	}
	return nil, fmt.Errorf("unknown survey kind %q", kind)
}

// DecodeDetails decodes raw into the payload type matching kind.
func DecodeDetails(kind SurveyKind, raw []byte) (Details, error) {
	d, err := NewDetails(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", kind, err)
	}
	return d, nil
}

// ParseDetails is DecodeDetails for untrusted input: unknown fields are an error.
func ParseDetails(kind SurveyKind, raw []byte) (Details, error) {
	d, err := NewDetails(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%s details: %w", kind, err)
	}
	return d, nil
}

func (s *Survey) UnmarshalJSON(data []byte) error {
	type envelope Survey
	var aux struct {
		envelope
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Survey(aux.envelope)
	if s.Kind == "" {
		return nil
	}
	d, err := DecodeDetails(s.Kind, aux.Details)
	if err != nil {
		return err
	}
	s.Details = d
	return nil
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// PathPoint is one captured GPS fix. Timestamp is unix milliseconds.
type PathPoint struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Fix is a GPS reading from the device.
type Fix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func (f Fix) Point() PathPoint {
	return PathPoint{Lat: f.Latitude, Lng: f.Longitude, Timestamp: f.Timestamp, Accuracy: f.Accuracy}
}

type TrackingSession struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	UserName      string        `json:"userName"`
	UserEmail     string        `json:"userEmail,omitempty"`
	SurveyType    SurveyKind    `json:"surveyType"`
	TaskID        string        `json:"taskId,omitempty"`
	Status        SessionStatus `json:"status" enum:"active,completed"`
	Path          []PathPoint   `json:"path"`
	StartTime     string        `json:"startTime" format:"date-time"`
	EndTime       *string       `json:"endTime,omitempty" format:"date-time"`
	TotalDistance *float64      `json:"totalDistance,omitempty"`
	PointsCount   *int          `json:"pointsCount,omitempty"`
	Duration      *int64        `json:"duration,omitempty"`
}

// Summary is returned when a tracking session ends.
type Summary struct {
	SessionID     string  `json:"sessionId"`
	TotalDistance float64 `json:"totalDistance"`
	PointsCount   int     `json:"pointsCount"`
	Duration      int64   `json:"duration"`
	EndTime       string  `json:"endTime" format:"date-time"`
}

// RefPoint is a task reference location a surveyor must visit.
type RefPoint struct {
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload,omitempty"`
}
