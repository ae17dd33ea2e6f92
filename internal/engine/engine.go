package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"apjsurvey/internal/config"
	"apjsurvey/internal/events"
	"apjsurvey/internal/store"
)

type Engine struct {
	Store  store.Store
	Events events.Writer
	Config *config.Config
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(s store.Store, cfg *config.Config, log logrus.FieldLogger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		Store:  s,
		Events: events.Writer{Store: s, Log: log},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ValidationError reports missing or malformed input. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreconditionError reports an operation invoked in a state that forbids it. Nothing was
// written.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ConflictError reports that the operation would clobber state owned by something else, such as
// a second tracking session for the same surveyor.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

func IsPrecondition(err error) bool {
	var p PreconditionError
	return errors.As(err, &p)
}

func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

func required(field, value string) error {
	if isBlank(value) {
		return ValidationError{Field: field, Reason: "required"}
	}
	return nil
}
