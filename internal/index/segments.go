package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

// PutSegment upserts one segment keyed by (session_id, seq).
func (s *Store) PutSegment(ctx context.Context, seg transcribe.Segment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_segments
			(session_id, seq, start_sec, end_sec, text, confidence, language, status, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, seq) DO UPDATE SET
			start_sec = EXCLUDED.start_sec,
			end_sec = EXCLUDED.end_sec,
			text = EXCLUDED.text,
			confidence = EXCLUDED.confidence,
			language = EXCLUDED.language,
			status = EXCLUDED.status,
			error_kind = EXCLUDED.error_kind`,
		seg.SessionID, seg.Seq, seg.StartSec, seg.EndSec, seg.Text, seg.Confidence,
		seg.Language, seg.Status, string(seg.ErrorKind),
	)
	if err != nil {
		return fmt.Errorf("upsert segment %s/%d: %w", seg.SessionID, seg.Seq, err)
	}
	return nil
}

// SessionSegments returns a session's segments in sequence order.
func (s *Store) SessionSegments(ctx context.Context, sessionID string) ([]transcribe.Segment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, start_sec, end_sec, text, confidence, language, status, error_kind
		FROM transcript_segments
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	return collectSegments(rows)
}

// Search returns ok segments whose text contains q, newest first.
func (s *Store) Search(ctx context.Context, q string, limit int) ([]transcribe.Segment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, start_sec, end_sec, text, confidence, language, status, error_kind
		FROM transcript_segments
		WHERE status = 'ok' AND text ILIKE $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, likePattern(q), limit)
	if err != nil {
		return nil, fmt.Errorf("search segments: %w", err)
	}
	return collectSegments(rows)
}

// DeleteSession removes a session's rows.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcript_segments WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session segments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSegments(rows pgx.Rows) ([]transcribe.Segment, error) {
	defer rows.Close()
	var out []transcribe.Segment
	for rows.Next() {
		var seg transcribe.Segment
		var kind string
		if err := rows.Scan(&seg.SessionID, &seg.Seq, &seg.StartSec, &seg.EndSec, &seg.Text,
			&seg.Confidence, &seg.Language, &seg.Status, &kind); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.ErrorKind = transcribe.ErrorKind(kind)
		out = append(out, seg)
	}
	return out, rows.Err()
}
