package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Overlays table - eyewear images with their placement calibration
		`CREATE TABLE IF NOT EXISTS overlays (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL UNIQUE,
			origin TEXT NOT NULL DEFAULT 'manual' CHECK(origin IN ('manual', 'upload', 'catalog')),
			ref_eye_distance REAL NOT NULL DEFAULT 160,
			scale_x REAL NOT NULL DEFAULT -0.01,
			scale_y REAL NOT NULL DEFAULT -0.01,
			offset_x REAL NOT NULL DEFAULT 0,
			offset_y REAL NOT NULL DEFAULT -0.005,
			depth REAL NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_overlays_name ON overlays(name)`,
		`CREATE INDEX IF NOT EXISTS idx_overlays_origin ON overlays(origin)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
