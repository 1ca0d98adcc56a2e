// Package retention decides which artifacts to delete and deletes them.
package retention

import (
	"sort"
	"time"

	"github.com/jmcoimbra/sound2transcript/internal/artifact"
)

// Policy bounds what is kept on disk. A zero field means no limit on that
// dimension.
type Policy struct {
	MaxAgeRecordings  time.Duration `json:"max_age_recordings"`
	MaxAgeTranscripts time.Duration `json:"max_age_transcripts"`
	MaxAgeLogs        time.Duration `json:"max_age_logs"`
	MaxTotalSize      int64         `json:"max_total_size"`
	MaxFileCount      int           `json:"max_file_count"`
}

// MaxAge returns the age limit for kind k.
func (p Policy) MaxAge(k artifact.Kind) time.Duration {
	switch k {
	case artifact.Recording:
		return p.MaxAgeRecordings
	case artifact.Transcript:
		return p.MaxAgeTranscripts
	case artifact.Log:
		return p.MaxAgeLogs
	}
	return 0
}

// Reason records which rule selected a candidate.
type Reason string

const (
	ReasonAge   Reason = "age"
	ReasonSize  Reason = "size"
	ReasonCount Reason = "count"
)

// Candidate is an artifact selected for deletion.
type Candidate struct {
	artifact.Artifact
	Reason Reason `json:"reason"`
}

// Plan returns the artifacts that violate p, in deletion order: logs, then
// recordings, then transcripts, oldest first within a kind. Open artifacts
// are never selected but still count toward the size and count totals.
// Plan does no I/O.
func Plan(p Policy, arts []artifact.Artifact, now time.Time) []Candidate {
	var out []Candidate
	selected := make(map[string]bool)

	for _, a := range arts {
		if a.Open {
			continue
		}
		if limit := p.MaxAge(a.Kind); limit > 0 && now.Sub(a.CreatedAt) > limit {
			out = append(out, Candidate{Artifact: a, Reason: ReasonAge})
			selected[a.Path] = true
		}
	}

	var total int64
	var count int
	var victims []artifact.Artifact
	for _, a := range arts {
		if selected[a.Path] {
			continue
		}
		total += a.Size
		count++
		if !a.Open {
			victims = append(victims, a)
		}
	}
	sortForDeletion(victims)

	for _, v := range victims {
		overSize := p.MaxTotalSize > 0 && total > p.MaxTotalSize
		overCount := p.MaxFileCount > 0 && count > p.MaxFileCount
		if !overSize && !overCount {
			break
		}
		reason := ReasonCount
		if overSize {
			reason = ReasonSize
		}
		out = append(out, Candidate{Artifact: v, Reason: reason})
		total -= v.Size
		count--
	}

	sort.SliceStable(out, func(i, j int) bool {
		return deletionLess(out[i].Artifact, out[j].Artifact)
	})
	return out
}

func kindRank(k artifact.Kind) int {
	for i, kk := range artifact.Kinds {
		if kk == k {
			return i
		}
	}
	return len(artifact.Kinds)
}

func deletionLess(a, b artifact.Artifact) bool {
	if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Path < b.Path
}

func sortForDeletion(arts []artifact.Artifact) {
	sort.SliceStable(arts, func(i, j int) bool { return deletionLess(arts[i], arts[j]) })
}
