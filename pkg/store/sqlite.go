package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/itohio/govfd/pkg/sample"
)

//go:embed schema.sql
var initSchemaSQL string

const (
	insertRunSQL = `
INSERT INTO runs (id,
                  started_at,
                  mode,
                  config)
VALUES (?, ?, ?, ?)`

	insertRecordSQL = `
INSERT INTO records (run_id,
                     hz,
                     rpm,
                     flow1,
                     volt1,
                     flow2,
                     volt2,
                     analog,
                     samples,
                     window_start,
                     window_end)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
SELECT hz,
       rpm,
       flow1,
       volt1,
       flow2,
       volt2,
       analog,
       samples,
       window_start,
       window_end
FROM records
WHERE run_id = ?
ORDER BY id`
)

var errNoRun = errors.New("run id is required")

// Run identifies one campaign in the SQLite store.
type Run struct {
	ID      string
	Mode    string
	Started time.Time
	Config  any // stored as JSON
}

// NewRun creates a run with a fresh identifier.
func NewRun(mode string, config any) Run {
	return Run{
		ID:      uuid.NewString(),
		Mode:    mode,
		Started: time.Now().UTC(),
		Config:  config,
	}
}

// Validate reports whether the run can be stored.
func (r Run) Validate() error {
	if r.ID == "" {
		return errNoRun
	}
	return nil
}

// SQLite stores records in an SQLite database, one row per window.
type SQLite struct {
	dbPath string
	run    Run

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error
	ownDB  bool

	closeOnce sync.Once
	closeErr  error
}

var _ Sink = (*SQLite)(nil)

// NewSQLite creates a store backed by the database file at dbPath. The
// database is opened on first use.
func NewSQLite(dbPath string, run Run) *SQLite {
	return &SQLite{dbPath: dbPath, run: run, ownDB: true}
}

// NewSQLiteWithDB creates a store on an already open database. The schema
// and run row are created on first use; Close leaves db open.
func NewSQLiteWithDB(db *sql.DB, run Run) *SQLite {
	return &SQLite{db: db, run: run}
}

// Run returns the run this store writes to.
func (s *SQLite) Run() Run {
	return s.run
}

func (s *SQLite) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		if err := s.run.Validate(); err != nil {
			s.dbErr = err
			return
		}

		db := s.db
		if db == nil {
			var err error
			db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
			if err != nil {
				s.dbErr = fmt.Errorf("opening database: %w", err)
				return
			}
		}

		if _, err := db.Exec(initSchemaSQL); err != nil {
			s.closeOwned(db)
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		if err := s.insertRun(db); err != nil {
			s.closeOwned(db)
			s.dbErr = err
			return
		}

		s.db = db
	})

	return s.db, s.dbErr
}

func (s *SQLite) closeOwned(db *sql.DB) {
	if s.ownDB {
		_ = db.Close()
	}
	s.db = nil
}

func (s *SQLite) insertRun(db *sql.DB) error {
	var configData sql.NullString
	if s.run.Config != nil {
		p, err := json.Marshal(s.run.Config)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	if _, err := db.Exec(insertRunSQL, s.run.ID, s.run.Started.UTC(), s.run.Mode, configData); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Write inserts one record.
func (s *SQLite) Write(rec sample.Record) error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("getting database: %w", err)
	}

	_, err = db.Exec(insertRecordSQL,
		s.run.ID,
		rec.Hz,
		nullFloat(rec.RPM),
		nullFloat(rec.Flow1),
		nullFloat(rec.Volt1),
		nullFloat(rec.Flow2),
		nullFloat(rec.Volt2),
		nullFloat(rec.Analog),
		rec.Samples,
		rec.Start.UTC(),
		rec.End.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// Records returns the records of this run in insertion order.
func (s *SQLite) Records(ctx context.Context) (records []sample.Record, err error) {
	db, err := s.getDB()
	if err != nil {
		err = fmt.Errorf("getting database: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectRecordsSQL, s.run.ID)
	if err != nil {
		err = fmt.Errorf("querying records: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			rec                                     sample.Record
			rpm, flow1, volt1, flow2, volt2, analog sql.NullFloat64
		)
		if err = rows.Scan(&rec.Hz, &rpm, &flow1, &volt1, &flow2, &volt2, &analog, &rec.Samples, &rec.Start, &rec.End); err != nil {
			err = fmt.Errorf("scanning record: %w", err)
			return
		}
		rec.RPM = fromNull(rpm)
		rec.Flow1 = fromNull(flow1)
		rec.Volt1 = fromNull(volt1)
		rec.Flow2 = fromNull(flow2)
		rec.Volt2 = fromNull(volt2)
		rec.Analog = fromNull(analog)
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating records: %w", err)
	}
	return
}

// Close closes the database if this store opened it. It is safe to call
// more than once.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		if s.ownDB && s.db != nil {
			s.closeErr = s.db.Close()
			s.db = nil
		}
	})

	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
