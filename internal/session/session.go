// Package session tracks capture sessions and the single-ACTIVE invariant.
package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State is a session lifecycle state.
type State string

const (
	StateActive  State = "ACTIVE"
	StateStopped State = "STOPPED"
	StateCrashed State = "CRASHED"
)

// Session is one continuous run of the capture pipeline.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	State     State      `json:"state"`
	PID       int        `json:"pid"`
}

var (
	// ErrSessionActive is returned when another session holds the ACTIVE slot.
	ErrSessionActive = errors.New("another session is active")
	// ErrStateConflict is returned when a transition's expected state no
	// longer holds.
	ErrStateConflict = errors.New("session state changed concurrently")
	ErrNotFound      = errors.New("session not found")
	ErrDuplicateID   = errors.New("session id already used")
	ErrInvalidID     = errors.New("invalid session id")
)

// FatalError marks a failure that ends the session as CRASHED.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError unless it already is one.
func Fatal(op string, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// ValidID reports whether id can be embedded in artifact file names.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID returns a time-sortable session id such as 20261019T101500-3f2a9c1b.
func NewID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// ProcessAlive reports whether a process with pid exists on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
