package store

import (
	"database/sql"
	"time"

	"github.com/ayusman/tagsight/internal/apriltag"
)

// Sighting is one appearance of a tag in a stored frame.
type Sighting struct {
	FrameID    string           `json:"frame_id"`
	CapturedAt time.Time        `json:"captured_at"`
	Tag        apriltag.Message `json:"tag"`
}

// SightingRepository queries tag history across frames.
type SightingRepository struct {
	db *sql.DB
}

// Sightings returns the sighting repository for this store.
func (s *Store) Sightings() *SightingRepository {
	return &SightingRepository{db: s.db}
}

// ByTag returns the most recent sightings of tagID, newest first. A limit of
// 0 or less returns all sightings.
func (r *SightingRepository) ByTag(tagID, limit int) ([]Sighting, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT `+messageColumns+`, d.frame_id, f.captured_at
		 FROM detections d JOIN frames f ON f.id = d.frame_id
		 WHERE d.tag_id = ?
		 ORDER BY f.captured_at DESC, d.id DESC LIMIT ?`,
		tagID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sightings := []Sighting{}
	for rows.Next() {
		var s Sighting
		var ms int64
		m, err := scanMessage(rows, &s.FrameID, &ms)
		if err != nil {
			return nil, err
		}
		s.Tag = m
		s.CapturedAt = time.UnixMilli(ms)
		sightings = append(sightings, s)
	}

	return sightings, rows.Err()
}

// TagIDs returns the distinct tag ids that have been seen, ascending.
func (r *SightingRepository) TagIDs() ([]int, error) {
	rows, err := r.db.Query(`SELECT DISTINCT tag_id FROM detections ORDER BY tag_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
