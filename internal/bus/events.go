// Package bus publishes session lifecycle events on NATS and carries the
// remote stop command.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/session"
	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

const (
	SubjectSessionStarted = "sound2transcript.session.started"
	SubjectSessionStopped = "sound2transcript.session.stopped"
	SubjectSessionCrashed = "sound2transcript.session.crashed"
	SubjectSegmentWritten = "sound2transcript.segment.written"
	SubjectGCCompleted    = "sound2transcript.gc.completed"

	// SubjectControlStop asks the running pipeline for a graceful stop.
	SubjectControlStop = "sound2transcript.control.stop"
)

// SessionEvent is published on every session state change.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	At        time.Time `json:"at"`
	Segments  int64     `json:"segments,omitempty"`
	Failed    int64     `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SegmentEvent is published after a segment is durably written.
type SegmentEvent struct {
	SessionID  string  `json:"session_id"`
	Seq        int64   `json:"seq"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Status     string  `json:"status"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewSegmentEvent converts a written segment.
func NewSegmentEvent(seg transcribe.Segment) SegmentEvent {
	return SegmentEvent{
		SessionID:  seg.SessionID,
		Seq:        seg.Seq,
		Start:      seg.StartSec,
		End:        seg.EndSec,
		Status:     seg.Status,
		Text:       seg.Text,
		Confidence: seg.Confidence,
	}
}

// StopCommand is the payload of SubjectControlStop. An empty SessionID
// targets whatever session is running.
type StopCommand struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StopReply answers a stop request.
type StopReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// SessionSubject maps a session state to its event subject.
func SessionSubject(state string) (string, error) {
	switch state {
	case string(session.StateActive):
		return SubjectSessionStarted, nil
	case string(session.StateStopped):
		return SubjectSessionStopped, nil
	case string(session.StateCrashed):
		return SubjectSessionCrashed, nil
	}
	return "", fmt.Errorf("no subject for session state %q", state)
}

// GCEvent summarizes a retention run.
type GCEvent struct {
	DataDir        string    `json:"data_dir"`
	DryRun         bool      `json:"dry_run"`
	Scanned        int       `json:"scanned"`
	Deleted        int       `json:"deleted"`
	Failed         int       `json:"failed"`
	BytesReclaimed int64     `json:"bytes_reclaimed"`
	At             time.Time `json:"at"`
}

// ParseStopCommand decodes a stop payload. An empty payload is a stop for
// any session.
func ParseStopCommand(data []byte) (StopCommand, error) {
	var cmd StopCommand
	if strings.TrimSpace(string(data)) == "" {
		return cmd, nil
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("parse stop command: %w", err)
	}
	return cmd, nil
}

// Targets reports whether the command applies to sessionID.
func (c StopCommand) Targets(sessionID string) bool {
	return c.SessionID == "" || c.SessionID == sessionID
}
