package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/artifact"
	"github.com/jmcoimbra/sound2transcript/internal/audio"
)

// Recover finalizes the open artifacts left behind by a session whose
// process died. Recordings get their header recomputed from the file size;
// JSON Lines files lose any trailing partial line. Every file is attempted;
// it returns the final paths of the ones it finalized and the joined
// errors of the rest, which stay open for a later attempt.
func Recover(dataDir, sessionID string) ([]string, error) {
	arts, err := artifact.Scan(dataDir)
	if err != nil {
		return nil, err
	}

	var done []string
	var errs []error
	for _, a := range artifact.ForSession(arts, sessionID) {
		if !a.Open {
			continue
		}
		if err := repair(a); err != nil {
			errs = append(errs, fmt.Errorf("repair %s: %w", a.Path, err))
			continue
		}
		final := strings.TrimSuffix(a.Path, artifact.OpenSuffix)
		if err := os.Rename(a.Path, final); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", a.Path, err))
			continue
		}
		// Keep the last write time the repair just bumped.
		_ = os.Chtimes(final, time.Time{}, a.CreatedAt)
		done = append(done, final)
	}
	return done, errors.Join(errs...)
}

// OpenSessions returns the ids of sessions that still have open artifacts.
func OpenSessions(dataDir string) ([]string, error) {
	arts, err := artifact.Scan(dataDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, a := range arts {
		if a.Open && !seen[a.SessionID] {
			seen[a.SessionID] = true
			ids = append(ids, a.SessionID)
		}
	}
	return ids, nil
}

func repair(a artifact.Artifact) error {
	f, err := os.OpenFile(a.Path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	switch a.Kind {
	case artifact.Recording:
		err = repairWAV(f, size)
	default:
		err = truncatePartialLine(f, size)
	}
	if err != nil {
		return err
	}
	return f.Sync()
}

func repairWAV(f *os.File, size int64) error {
	if size < audio.WAVHeaderSize {
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err := f.WriteAt(audio.WAVHeader(audio.Whisper, 0), 0)
		return err
	}

	frame := int64(audio.Whisper.FrameSize())
	var hdr [audio.WAVHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if align := int64(binary.LittleEndian.Uint16(hdr[32:34])); bytes.Equal(hdr[0:4], []byte("RIFF")) && align > 0 {
		frame = align
	}

	data := size - audio.WAVHeaderSize
	if rem := data % frame; rem != 0 {
		data -= rem
		if err := f.Truncate(audio.WAVHeaderSize + data); err != nil {
			return err
		}
	}
	return audio.PatchWAVHeader(f, uint32(data))
}

// truncatePartialLine cuts the file after its last newline.
func truncatePartialLine(f *os.File, size int64) error {
	const block = 4096
	buf := make([]byte, block)
	end := size
	for end > 0 {
		start := end - block
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return f.Truncate(keep)
		}
		end = start
	}
	return f.Truncate(0)
}
