package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/tagsight/internal/apriltag"
)

// FrameSummary is a frame row without its tags.
type FrameSummary struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TagCount   int       `json:"tag_count"`
}

// FrameRepository stores processed frames and their tags.
type FrameRepository struct {
	db *sql.DB
}

// Frames returns the frame repository for this store.
func (s *Store) Frames() *FrameRepository {
	return &FrameRepository{db: s.db}
}

// Save inserts a frame and all of its tags in one transaction.
func (r *FrameRepository) Save(f *apriltag.FrameMessage) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO frames (id, captured_at, width, height, tag_count) VALUES (?, ?, ?, ?, ?)`,
		f.FrameID, f.Timestamp, f.Width, f.Height, len(f.Tags),
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO detections (frame_id, seq, tag_id, hamming, center_x, center_y, corners,
		 size, px, py, pz, qw, qx, qy, qz)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range f.Tags {
		corners, err := json.Marshal(m.Corners)
		if err != nil {
			return err
		}
		p, q := m.Pose.Position, m.Pose.Orientation
		if _, err := stmt.Exec(
			f.FrameID, i, m.ID, m.Hamming, m.Center.X, m.Center.Y, string(corners),
			m.Size, p.X, p.Y, p.Z, q.W, q.X, q.Y, q.Z,
		); err != nil {
			return fmt.Errorf("insert tag %d: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// Get retrieves a frame and its tags in detection order.
func (r *FrameRepository) Get(id string) (*apriltag.FrameMessage, error) {
	f := &apriltag.FrameMessage{}

	err := r.db.QueryRow(
		`SELECT id, captured_at, width, height FROM frames WHERE id = ?`,
		id,
	).Scan(&f.FrameID, &f.Timestamp, &f.Width, &f.Height)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM detections WHERE frame_id = ? ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	f.Tags = []apriltag.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		f.Tags = append(f.Tags, m)
	}

	return f, rows.Err()
}

// List returns the most recent frames, newest first. A limit of 0 or less
// returns all frames.
func (r *FrameRepository) List(limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT id, captured_at, width, height, tag_count
		 FROM frames ORDER BY captured_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := []FrameSummary{}
	for rows.Next() {
		var s FrameSummary
		var ms int64
		if err := rows.Scan(&s.ID, &ms, &s.Width, &s.Height, &s.TagCount); err != nil {
			return nil, err
		}
		s.CapturedAt = time.UnixMilli(ms)
		frames = append(frames, s)
	}

	return frames, rows.Err()
}

// Delete removes a frame and its tags.
func (r *FrameRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM frames WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes all but the keep most recent frames and returns how many
// were removed.
func (r *FrameRepository) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	result, err := r.db.Exec(
		`DELETE FROM frames WHERE id NOT IN (
			SELECT id FROM frames ORDER BY captured_at DESC, rowid DESC LIMIT ?
		)`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Count returns the number of stored frames.
func (r *FrameRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

const messageColumns = `tag_id, hamming, center_x, center_y, corners, size, px, py, pz, qw, qx, qy, qz`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (apriltag.Message, error) {
	var m apriltag.Message
	var corners string
	p, q := &m.Pose.Position, &m.Pose.Orientation

	dest := append([]any{
		&m.ID, &m.Hamming, &m.Center.X, &m.Center.Y, &corners,
		&m.Size, &p.X, &p.Y, &p.Z, &q.W, &q.X, &q.Y, &q.Z,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return m, err
	}

	if err := json.Unmarshal([]byte(corners), &m.Corners); err != nil {
		return m, fmt.Errorf("decode corners of tag %d: %w", m.ID, err)
	}
	return m, nil
}
