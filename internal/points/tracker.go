// Package points tracks which task reference points a surveyor has physically visited.
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/geo"
)

type Outcome string

const (
	Completed        Outcome = "completed"
	AlreadyCompleted Outcome = "already-completed"
)

var (
	ErrNoActiveTask = errors.New("no active task")
	ErrNoPoint      = errors.New("point id is required")
)

// Confirmation carries what the caller shows after a completion attempt.
type Confirmation struct {
	PointID   string  `json:"pointId"`
	PointName string  `json:"pointName,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

// Tracker holds the surveyor's active task. Sets are read from the store on every call so
// several processes sharing a store see each other's completions.
type Tracker struct {
	Store SetStore
	Log   logrus.FieldLogger

	mu     sync.Mutex
	active string
}

func NewTracker(s SetStore, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{Store: s, Log: log}
}

// Activate makes taskID the active task and returns its completed set. Starting or stopping
// tracking sessions does not touch it.
func (t *Tracker) Activate(ctx context.Context, taskID string) ([]string, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrNoActiveTask
	}
	ids, err := t.Store.Load(ctx, Key(taskID))
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.active = taskID
	t.mu.Unlock()
	return ids, nil
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) resolve(taskID string) (string, error) {
	if taskID != "" {
		return taskID, nil
	}
	if active := t.Active(); active != "" {
		return active, nil
	}
	return "", ErrNoActiveTask
}

// Complete marks pointID visited for taskID, or the active task when taskID is empty. A point
// already in the set reports AlreadyCompleted and nothing is written.
func (t *Tracker) Complete(ctx context.Context, taskID, pointID, pointName string, lat, lng float64) (Outcome, Confirmation, error) {
	conf := Confirmation{PointID: pointID, PointName: pointName, Lat: lat, Lng: lng}
	if strings.TrimSpace(pointID) == "" {
		return "", conf, ErrNoPoint
	}
	taskID, err := t.resolve(taskID)
	if err != nil {
		return "", conf, err
	}
	key := Key(taskID)

	t.mu.Lock()
	defer t.mu.Unlock()
	ids, err := t.Store.Load(ctx, key)
	if err != nil {
		return "", conf, err
	}
	for _, id := range ids {
		if id == pointID {
			return AlreadyCompleted, conf, nil
		}
	}
	next := append(append([]string{}, ids...), pointID)
	if err := t.Store.Save(ctx, key, next); err != nil {
		return "", conf, fmt.Errorf("complete point %s: %w", pointID, err)
	}
	t.Log.WithFields(logrus.Fields{"task_id": taskID, "point_id": pointID}).Info("point completed")
	return Completed, conf, nil
}

// Completed lists the visited point ids in completion order.
func (t *Tracker) Completed(ctx context.Context, taskID string) ([]string, error) {
	taskID, err := t.resolve(taskID)
	if err != nil {
		return nil, err
	}
	return t.Store.Load(ctx, Key(taskID))
}

// NextPending returns the reference point nearest to fix that is not completed yet. ok is false
// without a fix or when every point is done.
func (t *Tracker) NextPending(ctx context.Context, taskID string, fix *domain.Fix, refs []domain.RefPoint) (domain.RefPoint, float64, bool, error) {
	done, err := t.Completed(ctx, taskID)
	if err != nil {
		return domain.RefPoint{}, 0, false, err
	}
	seen := make(map[string]struct{}, len(done))
	for _, id := range done {
		seen[id] = struct{}{}
	}
	pending := make([]domain.RefPoint, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.ID]; !ok {
			pending = append(pending, r)
		}
	}
	best, dist, ok := geo.Nearest(fix, pending)
	return best, dist, ok, nil
}
