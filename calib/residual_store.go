package calib

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ResidualStore persists residuals of fit runs in SQLite
type ResidualStore struct {
	DB *sql.DB
}

// RunRecord describes one stored run
type RunRecord struct {
	ID        int64
	Scheme    string
	Chi2      float64
	NDof      int
	Outliers  int
	CreatedAt time.Time
}

// OpenResidualStore opens (or creates) the database at path and ensures schema
func OpenResidualStore(path string) (*ResidualStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &ResidualStore{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ResidualStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fit_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            scheme TEXT NOT NULL,
            chi2 REAL,
            ndof INTEGER,
            outliers INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS residuals (
            run_id INTEGER NOT NULL,
            image_id INTEGER NOT NULL,
            measured_id INTEGER NOT NULL,
            fitted_id INTEGER NOT NULL,
            x REAL,
            y REAL,
            dx REAL,
            dy REAL,
            magnitude REAL,
            chi2 REAL,
            valid BOOLEAN
        );`,
		`CREATE INDEX IF NOT EXISTS idx_residuals_run ON residuals(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB
func (s *ResidualStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SaveRun stores a run and its residuals in one transaction and returns its id
func (s *ResidualStore) SaveRun(scheme string, chi2 Chi2, outliers int, rows []Residual) (int64, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin residual run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO fit_runs (scheme, chi2, ndof, outliers) VALUES (?, ?, ?, ?)`,
		scheme, chi2.Value, chi2.NDof, outliers)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO residuals
        (run_id, image_id, measured_id, fitted_id, x, y, dx, dy, magnitude, chi2, valid)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare residual insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.ImageID, r.MeasuredID, r.FittedID,
			r.X, r.Y, r.DX, r.DY, r.Magnitude, r.Chi2, r.Valid); err != nil {
			return 0, fmt.Errorf("insert residual %d: %w", r.MeasuredID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit residual run: %w", err)
	}
	return runID, nil
}

// LatestRun returns the most recent run, nil when the store is empty
func (s *ResidualStore) LatestRun() (*RunRecord, error) {
	row := s.DB.QueryRow(`SELECT id, scheme, chi2, ndof, outliers, created_at
        FROM fit_runs ORDER BY id DESC LIMIT 1`)
	var r RunRecord
	if err := row.Scan(&r.ID, &r.Scheme, &r.Chi2, &r.NDof, &r.Outliers, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// LoadResiduals returns the residuals of a run in insertion order
func (s *ResidualStore) LoadResiduals(runID int64) ([]Residual, error) {
	rows, err := s.DB.Query(`SELECT image_id, measured_id, fitted_id, x, y, dx, dy, magnitude, chi2, valid
        FROM residuals WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Residual
	for rows.Next() {
		var r Residual
		if err := rows.Scan(&r.ImageID, &r.MeasuredID, &r.FittedID, &r.X, &r.Y,
			&r.DX, &r.DY, &r.Magnitude, &r.Chi2, &r.Valid); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
