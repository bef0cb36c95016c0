package recstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dbFileName = "worker_records.db"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the store inside cfg.Dir, creating the directory and
// schema as needed. Multiple processes may open the same directory; SQLite
// WAL mode plus busy_timeout arbitrates between them.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("recstore: run directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	path := filepath.Join(cfg.Dir, dbFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers per connection pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, rec Record) error {
	if rec.JobID == "" {
		return errors.New("recstore: job id is required")
	}
	if rec.Area == "" {
		rec.Area = AreaActive
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_records(
			job_id, area, owner_pid, owner_label, func_name, args,
			category, source, step, description, memory_requirement, skip_admission,
			started_at, duration_ms, result, error, trace)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.JobID, string(rec.Area), rec.OwnerPID, rec.OwnerLabel, rec.FuncName, rec.Args,
		rec.Category, rec.Source, rec.Step, rec.Description, int64(rec.MemoryRequirement), boolInt(rec.SkipAdmission),
		rec.StartedAt.Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
		nullStr(rec.Result), nullStr(rec.Error), nullStr(rec.Trace),
	)
	return err
}

func (s *sqliteStore) Update(ctx context.Context, jobID string, rec Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_records
		 SET duration_ms = ?, result = ?, error = ?, trace = ?
		 WHERE job_id = ?`,
		rec.Duration.Milliseconds(), nullStr(rec.Result), nullStr(rec.Error), nullStr(rec.Trace),
		jobID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MoveToDone(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_records SET area = ? WHERE job_id = ? AND area = ?`,
		string(AreaDone), jobID, string(AreaActive),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const recordColumns = `job_id, area, owner_pid, owner_label, func_name, args,
	category, source, step, description, memory_requirement, skip_admission,
	started_at, duration_ms, result, error, trace`

func (s *sqliteStore) Get(ctx context.Context, jobID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM worker_records WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]Record, error) {
	return s.list(ctx, s.db, AreaActive)
}

func (s *sqliteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_records WHERE area = ?`, string(AreaActive)).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListDone(ctx context.Context, consume bool) ([]Record, error) {
	if !consume {
		return s.list(ctx, s.db, AreaDone)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	recs, err := s.list(ctx, tx, AreaDone)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM worker_records WHERE area = ?`, string(AreaDone)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return recs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) list(ctx context.Context, q querier, area Area) ([]Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM worker_records WHERE area = ? ORDER BY started_at`,
		string(area))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) Reconcile(ctx context.Context, alive func(pid int) bool) ([]Record, error) {
	if alive == nil {
		return nil, errors.New("recstore: alive probe is required")
	}
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []Record
	for _, rec := range active {
		if alive(rec.OwnerPID) {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM worker_records WHERE job_id = ?`, rec.JobID); err != nil {
			return orphans, err
		}
		orphans = append(orphans, rec)
		s.log.Warn("removed orphaned worker record",
			logx.String("job_id", rec.JobID),
			logx.Int("owner_pid", rec.OwnerPID),
			logx.String("func", rec.FuncName),
		)
	}
	return orphans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec      Record
		area     string
		memReq   int64
		skip     int
		started  string
		durMS    int64
		res, ers sql.NullString
		trace    sql.NullString
	)
	err := row.Scan(
		&rec.JobID, &area, &rec.OwnerPID, &rec.OwnerLabel, &rec.FuncName, &rec.Args,
		&rec.Category, &rec.Source, &rec.Step, &rec.Description, &memReq, &skip,
		&started, &durMS, &res, &ers, &trace,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Area = Area(area)
	rec.MemoryRequirement = uint64(memReq)
	rec.SkipAdmission = skip != 0
	if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
		rec.StartedAt = t
	}
	rec.Duration = time.Duration(durMS) * time.Millisecond
	rec.Result = res.String
	rec.Error = ers.String
	rec.Trace = trace.String
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
