package dataprep

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Utterance is one manifest row: an audio file plus its folded transcription.
type Utterance struct {
	ID       string
	Split    string
	Wav      string
	Samples  int
	Phonemes []string
}

// Store persists the prepared corpus manifest in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore initializes or connects to the manifest database.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest database")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %s", pragma)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			split TEXT NOT NULL,
			wav TEXT NOT NULL,
			samples INTEGER NOT NULL,
			phonemes TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_split ON utterances(split)`,
		`CREATE TABLE IF NOT EXISTS phonemes (
			label TEXT PRIMARY KEY,
			idx INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create manifest schema")
		}
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// InsertUtterance upserts one manifest row.
func (s *Store) InsertUtterance(ctx context.Context, u Utterance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances (id, split, wav, samples, phonemes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			split = excluded.split,
			wav = excluded.wav,
			samples = excluded.samples,
			phonemes = excluded.phonemes`,
		u.ID, u.Split, u.Wav, u.Samples, strings.Join(u.Phonemes, " "))
	return errors.Wrapf(err, "insert utterance %s", u.ID)
}

// Utterances returns all rows of one split ordered by id.
func (s *Store) Utterances(ctx context.Context, split string) ([]Utterance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, split, wav, samples, phonemes FROM utterances WHERE split = ? ORDER BY id`,
		split)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s utterances", split)
	}
	defer rows.Close()

	var utterances []Utterance
	for rows.Next() {
		var u Utterance
		var phonemes string
		if err := rows.Scan(&u.ID, &u.Split, &u.Wav, &u.Samples, &phonemes); err != nil {
			return nil, errors.Wrap(err, "scan utterance")
		}
		u.Phonemes = strings.Fields(phonemes)
		utterances = append(utterances, u)
	}
	return utterances, errors.Wrap(rows.Err(), "iterate utterances")
}

// Count reports how many utterances one split holds.
func (s *Store) Count(ctx context.Context, split string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM utterances WHERE split = ?`, split).Scan(&n)
	return n, errors.Wrapf(err, "count %s utterances", split)
}

// SaveLabels replaces the phoneme index table with the given labels,
// assigned indices in sorted order.
func (s *Store) SaveLabels(ctx context.Context, labels []string) error {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin label transaction")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM phonemes`); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "clear phoneme table")
	}
	for i, label := range sorted {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phonemes (label, idx) VALUES (?, ?)`, label, i); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert phoneme %s", label)
		}
	}
	return errors.Wrap(tx.Commit(), "commit phoneme table")
}

// Labels returns the phoneme index table ordered by index.
func (s *Store) Labels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM phonemes ORDER BY idx`)
	if err != nil {
		return nil, errors.Wrap(err, "query phoneme labels")
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, errors.Wrap(err, "scan phoneme label")
		}
		labels = append(labels, label)
	}
	return labels, errors.Wrap(rows.Err(), "iterate phoneme labels")
}
