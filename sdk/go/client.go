package apjsurveysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal APJ survey HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// ReferenceFile is a KMZ/KML attached to a task.
type ReferenceFile struct {
	Kind string `json:"kind,omitempty"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Type             string          `json:"type"`
	SurveyorID       string          `json:"surveyorId"`
	SurveyorName     string          `json:"surveyorName"`
	Status           string          `json:"status"`
	ReferenceFiles   []ReferenceFile `json:"referenceFiles,omitempty"`
	CreatedByAdminID *string         `json:"createdByAdminId,omitempty"`
	CreatedAt        string          `json:"createdAt"`
	StartedAt        *string         `json:"startedAt,omitempty"`
	CompletedAt      *string         `json:"completedAt,omitempty"`
}

// NewTask is the payload for CreateTask.
type NewTask struct {
	ID             string          `json:"id,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Type           string          `json:"type"`
	SurveyorID     string          `json:"surveyorId"`
	SurveyorName   string          `json:"surveyorName,omitempty"`
	SurveyorEmail  string          `json:"surveyorEmail,omitempty"`
	ReferenceFiles []ReferenceFile `json:"referenceFiles,omitempty"`
}

// Survey represents a survey of either kind.
type Survey struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	TaskID          string         `json:"taskId,omitempty"`
	SurveyorUID     string         `json:"surveyorUid"`
	SurveyorName    string         `json:"surveyorName"`
	Latitude        float64        `json:"latitude"`
	Longitude       float64        `json:"longitude"`
	Accuracy        *float64       `json:"accuracy,omitempty"`
	Status          string         `json:"status"`
	ValidatedBy     *string        `json:"validatedBy,omitempty"`
	ValidatedAt     *string        `json:"validatedAt,omitempty"`
	RejectedBy      *string        `json:"rejectedBy,omitempty"`
	RejectedAt      *string        `json:"rejectedAt,omitempty"`
	RejectionReason *string        `json:"rejectionReason,omitempty"`
	EditedBy        *string        `json:"editedBy,omitempty"`
	EditedAt        *string        `json:"editedAt,omitempty"`
	CreatedAt       string         `json:"createdAt"`
	Details         map[string]any `json:"details"`
}

// NewSurvey is the payload for SubmitSurvey.
type NewSurvey struct {
	TaskID    string         `json:"taskId,omitempty"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SurveyEdit is the payload for EditSurvey. A nil Details value clears that key.
type SurveyEdit struct {
	Latitude  *float64       `json:"latitude,omitempty"`
	Longitude *float64       `json:"longitude,omitempty"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Counts are the survey totals shown on the admin dashboard.
type Counts struct {
	Total    int                       `json:"total"`
	ByKind   map[string]int            `json:"byKind"`
	ByStatus map[string]int            `json:"byStatus"`
	Matrix   map[string]map[string]int `json:"matrix"`
}

// Fix is one GPS reading. A zero Timestamp lets the server stamp it.
type Fix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// PathPoint is one recorded position of a session.
type PathPoint struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Session represents a tracking session.
type Session struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	SurveyType    string      `json:"surveyType"`
	TaskID        string      `json:"taskId,omitempty"`
	Status        string      `json:"status"`
	Path          []PathPoint `json:"path"`
	StartTime     string      `json:"startTime"`
	EndTime       *string     `json:"endTime,omitempty"`
	TotalDistance *float64    `json:"totalDistance,omitempty"`
	PointsCount   *int        `json:"pointsCount,omitempty"`
}

// Summary is returned when a session stops.
type Summary struct {
	SessionID     string  `json:"sessionId"`
	TotalDistance float64 `json:"totalDistance"`
	PointsCount   int     `json:"pointsCount"`
	Duration      int64   `json:"duration"`
	EndTime       string  `json:"endTime"`
}

// Tick reports whether a fix was appended.
type Tick struct {
	SessionID   string `json:"sessionId"`
	Recorded    bool   `json:"recorded"`
	PointsCount int    `json:"pointsCount"`
}

// PointCompletion is the outcome of CompletePoint.
type PointCompletion struct {
	Outcome      string `json:"outcome"`
	Confirmation struct {
		PointID   string  `json:"pointId"`
		PointName string  `json:"pointName,omitempty"`
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
	} `json:"confirmation"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts error.code from the response envelope.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(e.Body), &env)
	return env.Error.Code
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, id, name, role string) (string, error) {
	body := map[string]any{"id": id, "role": role}
	if name != "" {
		body["name"] = name
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CreateTask assigns a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// ListTasks returns tasks visible to the caller.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// SetTaskStatus moves a task to pending, in-progress or completed.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// SubmitSurvey records a new survey of kind existing or propose.
func (c *Client) SubmitSurvey(ctx context.Context, kind string, s NewSurvey) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodPost, "surveys/"+url.PathEscape(kind), s, &resp)
	return resp, err
}

// ListSurveys lists surveys of kind, optionally filtered by status.
func (c *Client) ListSurveys(ctx context.Context, kind, status string) ([]Survey, error) {
	endpoint := "surveys/" + url.PathEscape(kind)
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Survey
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetSurvey(ctx context.Context, kind, id string) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodGet, surveyPath(kind, id), nil, &resp)
	return resp, err
}

func (c *Client) VerifySurvey(ctx context.Context, kind, id string) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodPost, surveyPath(kind, id)+"/verify", nil, &resp)
	return resp, err
}

func (c *Client) ValidateSurvey(ctx context.Context, kind, id string) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodPost, surveyPath(kind, id)+"/validate", nil, &resp)
	return resp, err
}

func (c *Client) RejectSurvey(ctx context.Context, kind, id, reason string) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodPost, surveyPath(kind, id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) EditSurvey(ctx context.Context, kind, id string, edit SurveyEdit) (Survey, error) {
	var resp Survey
	err := c.do(ctx, http.MethodPatch, surveyPath(kind, id), edit, &resp)
	return resp, err
}

func (c *Client) DeleteSurvey(ctx context.Context, kind, id string) error {
	return c.do(ctx, http.MethodDelete, surveyPath(kind, id), nil, nil)
}

// VerificationQueue lists waiting surveys; an empty kind lists both kinds.
func (c *Client) VerificationQueue(ctx context.Context, kind string) ([]Survey, error) {
	endpoint := "verification-queue"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp []Survey
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ValidationQueue lists verified surveys in the caller's scope.
func (c *Client) ValidationQueue(ctx context.Context) ([]Survey, error) {
	var resp []Survey
	err := c.do(ctx, http.MethodGet, "validation-queue", nil, &resp)
	return resp, err
}

func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var resp Counts
	err := c.do(ctx, http.MethodGet, "surveys/counts", nil, &resp)
	return resp, err
}

// StartTracking opens a session seeded with fix.
func (c *Client) StartTracking(ctx context.Context, surveyType, taskID string, fix Fix) (Session, error) {
	body := map[string]any{"surveyType": surveyType, "fix": fix}
	if taskID != "" {
		body["taskId"] = taskID
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "tracking/sessions", body, &resp)
	return resp, err
}

func (c *Client) RecordFix(ctx context.Context, sessionID string, fix Fix) (Tick, error) {
	var resp Tick
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tracking/sessions/%s/points", url.PathEscape(sessionID)), fix, &resp)
	return resp, err
}

func (c *Client) StopTracking(ctx context.Context, sessionID string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tracking/sessions/%s/stop", url.PathEscape(sessionID)), nil, &resp)
	return resp, err
}

// CompletePoint marks a task reference point as visited.
func (c *Client) CompletePoint(ctx context.Context, taskID, pointID, pointName string, lat, lng float64) (PointCompletion, error) {
	body := map[string]any{"lat": lat, "lng": lng}
	if pointName != "" {
		body["pointName"] = pointName
	}
	var resp PointCompletion
	endpoint := fmt.Sprintf("tasks/%s/points/%s/complete", url.PathEscape(taskID), url.PathEscape(pointID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func surveyPath(kind, id string) string {
	return fmt.Sprintf("surveys/%s/%s", url.PathEscape(kind), url.PathEscape(id))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
