package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// One row per processed image
		`CREATE TABLE IF NOT EXISTS frames (
			id TEXT PRIMARY KEY,
			captured_at INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			tag_count INTEGER NOT NULL DEFAULT 0
		)`,

		// One row per tag seen in a frame. Pose columns are meaningful only
		// when size > 0.
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			tag_id INTEGER NOT NULL,
			hamming INTEGER NOT NULL,
			center_x REAL NOT NULL,
			center_y REAL NOT NULL,
			corners TEXT NOT NULL,
			size REAL NOT NULL DEFAULT 0,
			px REAL NOT NULL DEFAULT 0,
			py REAL NOT NULL DEFAULT 0,
			pz REAL NOT NULL DEFAULT 0,
			qw REAL NOT NULL DEFAULT 0,
			qx REAL NOT NULL DEFAULT 0,
			qy REAL NOT NULL DEFAULT 0,
			qz REAL NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_frames_captured_at ON frames(captured_at)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_frame_id ON detections(frame_id)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_tag_id ON detections(tag_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
