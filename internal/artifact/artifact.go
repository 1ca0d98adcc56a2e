// Package artifact defines the on-disk layout shared by the pipeline and
// the retention engine. A file's name alone tells its session, kind,
// rotation index and whether it is still being written.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind classifies artifacts.
type Kind string

const (
	Recording  Kind = "recording"
	Transcript Kind = "transcript"
	Log        Kind = "log"
)

// Kinds lists every kind in retention deletion order.
var Kinds = []Kind{Log, Recording, Transcript}

// OpenSuffix marks a file that is still being written.
const OpenSuffix = ".open"

// Dir is the subdirectory of the data root holding artifacts of kind k.
func (k Kind) Dir() string {
	switch k {
	case Recording:
		return "recordings"
	case Transcript:
		return "transcripts"
	case Log:
		return "logs"
	}
	return ""
}

// Ext is the file extension of artifacts of kind k.
func (k Kind) Ext() string {
	switch k {
	case Recording:
		return ".wav"
	case Transcript:
		return ".jsonl"
	case Log:
		return ".log"
	}
	return ""
}

// Artifact is a persisted file tracked by the retention engine.
type Artifact struct {
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Open      bool      `json:"open"`
}

// FileName returns the finalized name, e.g. 20261019T101500-ab12cd34_recording_0003.wav.
func FileName(sessionID string, kind Kind, index int) string {
	return fmt.Sprintf("%s_%s_%04d%s", sessionID, kind, index, kind.Ext())
}

// Path returns the finalized path of an artifact under dataDir.
func Path(dataDir, sessionID string, kind Kind, index int) string {
	return filepath.Join(dataDir, kind.Dir(), FileName(sessionID, kind, index))
}

// OpenPath returns the path used while the artifact is being written.
func OpenPath(dataDir, sessionID string, kind Kind, index int) string {
	return Path(dataDir, sessionID, kind, index) + OpenSuffix
}

// ParseName decodes a file name produced by FileName, with or without the
// open suffix.
func ParseName(name string) (sessionID string, kind Kind, index int, open bool, ok bool) {
	if strings.HasSuffix(name, OpenSuffix) {
		open = true
		name = strings.TrimSuffix(name, OpenSuffix)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", "", 0, false, false
	}
	kind = Kind(parts[1])
	if kind.Dir() == "" || kind.Ext() != ext {
		return "", "", 0, false, false
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return "", "", 0, false, false
	}
	return parts[0], kind, index, open, true
}

// EnsureDirs creates the per-kind directories under dataDir.
func EnsureDirs(dataDir string) error {
	for _, k := range Kinds {
		if err := os.MkdirAll(filepath.Join(dataDir, k.Dir()), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", k.Dir(), err)
		}
	}
	return nil
}

// Scan lists every artifact under dataDir. Files that do not follow the
// naming scheme, or that sit in the wrong kind directory, are ignored. A
// missing kind directory is treated as empty.
//
// CreatedAt is the file's mtime. The writer stamps finalized files with the
// time they were opened; open and crash-recovered files report their last
// write.
func Scan(dataDir string) ([]Artifact, error) {
	var out []Artifact
	for _, k := range Kinds {
		dir := filepath.Join(dataDir, k.Dir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			sid, kind, idx, open, ok := ParseName(e.Name())
			if !ok || kind != k {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Removed between ReadDir and Info.
				continue
			}
			out = append(out, Artifact{
				Path:      filepath.Join(dir, e.Name()),
				Kind:      kind,
				SessionID: sid,
				Index:     idx,
				CreatedAt: info.ModTime(),
				Size:      info.Size(),
				Open:      open,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ForSession filters artifacts belonging to sessionID.
func ForSession(arts []Artifact, sessionID string) []Artifact {
	var out []Artifact
	for _, a := range arts {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}
