package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
)

const defaultHistoryLimit = 50

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	insertRunStmt     *sql.Stmt
	insertResultStmt  *sql.Stmt
	getRunStmt        *sql.Stmt
	resultsByRunStmt  *sql.Stmt
	promptHistoryStmt *sql.Stmt
	cachedPromptsStmt *sql.Stmt
}

var (
	sqliteOpen              = sql.Open
	sqlitePrepareStatements = (*SQLiteStore).prepareStatements
)

// NewSQLiteStore opens or creates a SQLite store at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: empty sqlite path")
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create sqlite dir: %w", err)
			}
		}
	}

	db, err := sqliteOpen("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &SQLiteStore{db: db}
	if err := sqlitePrepareStatements(st); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func initSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			protocol_version TEXT NOT NULL,
			environment_id TEXT NOT NULL,
			rating_hash TEXT NOT NULL,
			executor_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			result_count INTEGER NOT NULL,
			labels_json TEXT,
			summary TEXT,
			failed_json TEXT,
			analyses_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			prompt_name TEXT NOT NULL,
			step INTEGER NOT NULL,
			points INTEGER NOT NULL,
			max_points INTEGER NOT NULL,
			build_passed INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			result_json BLOB NOT NULL,
			PRIMARY KEY (run_id, prompt_name, step),
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_prompt ON results(prompt_name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	if s == nil || s.db == nil {
		return errors.New("store: nil sqlite store")
	}

	ctx := context.Background()
	type stmtSpec struct {
		dst    **sql.Stmt
		query  string
		errFmt string
	}

	specs := []stmtSpec{
		{
			dst: &s.insertRunStmt,
			query: `
				INSERT INTO runs (
					id, group_id, protocol_version, environment_id, rating_hash, executor_id,
					started_at, finished_at, input_tokens, output_tokens, result_count,
					labels_json, summary, failed_json, analyses_json
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
			errFmt: "store: prepare insert run: %w",
		},
		{
			dst: &s.insertResultStmt,
			query: `
				INSERT INTO results (
					run_id, prompt_name, step, points, max_points, build_passed, created_at, result_json
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
			errFmt: "store: prepare insert result: %w",
		},
		{
			dst: &s.getRunStmt,
			query: `
				SELECT id, group_id, protocol_version, environment_id, rating_hash, executor_id,
					started_at, finished_at, input_tokens, output_tokens, result_count,
					labels_json, summary, failed_json, analyses_json
				FROM runs WHERE id = ?
			`,
			errFmt: "store: prepare get run: %w",
		},
		{
			dst: &s.resultsByRunStmt,
			query: `
				SELECT run_id, prompt_name, step, points, max_points, build_passed, created_at, result_json
				FROM results
				WHERE run_id = ?
				ORDER BY prompt_name ASC, step ASC
			`,
			errFmt: "store: prepare get results: %w",
		},
		{
			dst: &s.promptHistoryStmt,
			query: `
				SELECT run_id, prompt_name, step, points, max_points, created_at
				FROM results
				WHERE prompt_name = ?
				ORDER BY created_at DESC
				LIMIT ?
			`,
			errFmt: "store: prepare prompt history: %w",
		},
		{
			dst: &s.cachedPromptsStmt,
			query: `
				SELECT DISTINCT prompt_name FROM results
			`,
			errFmt: "store: prepare cached prompts: %w",
		},
	}

	for _, spec := range specs {
		stmt, err := s.db.PrepareContext(ctx, spec.query)
		if err != nil {
			return fmt.Errorf(spec.errFmt, err)
		}
		*spec.dst = stmt
	}

	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	stmts := []*sql.Stmt{
		s.insertRunStmt,
		s.insertResultStmt,
		s.getRunStmt,
		s.resultsByRunStmt,
		s.promptHistoryStmt,
		s.cachedPromptsStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun persists a completed run and all its per-prompt results in one
// transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, info *assess.RunInfo) error {
	if s == nil {
		return errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return errors.New("store: nil context")
	}
	if info == nil {
		return errors.New("store: nil run info")
	}

	id := strings.TrimSpace(info.ID)
	if id == "" {
		return errors.New("store: empty run id")
	}
	if info.StartedAt.IsZero() || info.FinishedAt.IsZero() {
		return errors.New("store: missing run timestamps")
	}

	labelsJSON, err := json.Marshal(info.Labels)
	if err != nil {
		return fmt.Errorf("store: marshal labels: %w", err)
	}
	failedJSON, err := json.Marshal(info.FailedPrompts)
	if err != nil {
		return fmt.Errorf("store: marshal failed prompts: %w", err)
	}
	analysesJSON, err := json.Marshal(info.Analyses)
	if err != nil {
		return fmt.Errorf("store: marshal analyses: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin run tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	runStmt := tx.StmtContext(ctx, s.insertRunStmt)
	defer runStmt.Close()

	_, err = runStmt.ExecContext(
		ctx,
		id,
		info.GroupID,
		info.ProtocolVersion,
		info.EnvironmentID,
		info.RatingHash,
		info.ExecutorID,
		info.StartedAt.UTC().UnixMilli(),
		info.FinishedAt.UTC().UnixMilli(),
		info.TokenUsage.InputTokens,
		info.TokenUsage.OutputTokens,
		len(info.Results),
		string(labelsJSON),
		info.Summary,
		string(failedJSON),
		string(analysesJSON),
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	resultStmt := tx.StmtContext(ctx, s.insertResultStmt)
	defer resultStmt.Close()

	createdAt := info.FinishedAt.UTC().UnixMilli()
	for i := range info.Results {
		r := &info.Results[i]
		resultJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("store: marshal result %q: %w", r.PromptName, err)
		}
		points, maxPoints := 0, 0
		if r.Score != nil {
			points, maxPoints = r.Score.Points, r.Score.MaxPoints
		}
		_, err = resultStmt.ExecContext(
			ctx,
			id,
			r.PromptName,
			r.Step,
			points,
			maxPoints,
			boolToInt(r.Build.Passed),
			createdAt,
			resultJSON,
		)
		if err != nil {
			return fmt.Errorf("store: insert result %q: %w", r.PromptName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit run: %w", err)
	}
	return nil
}

// GetRun loads a run summary by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	if s == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("store: empty run id")
	}

	row := s.getRunStmt.QueryRowContext(ctx, id)
	rec, err := scanRunRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns run summaries matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	if s == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, group_id, protocol_version, environment_id, rating_hash, executor_id,
		started_at, finished_at, input_tokens, output_tokens, result_count, labels_json, summary, failed_json, analyses_json
		FROM runs WHERE 1=1`)

	var args []any
	if env := strings.TrimSpace(filter.EnvironmentID); env != "" {
		sb.WriteString(` AND environment_id = ?`)
		args = append(args, env)
	}
	if group := strings.TrimSpace(filter.GroupID); group != "" {
		sb.WriteString(` AND group_id = ?`)
		args = append(args, group)
	}
	if !filter.Since.IsZero() {
		sb.WriteString(` AND started_at >= ?`)
		args = append(args, filter.Since.UTC().UnixMilli())
	}
	if !filter.Until.IsZero() {
		sb.WriteString(` AND started_at <= ?`)
		args = append(args, filter.Until.UTC().UnixMilli())
	}
	sb.WriteString(` ORDER BY started_at DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRunRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return out, nil
}

// GetResults lists a run's per-prompt results, ordered by prompt name then
// step.
func (s *SQLiteStore) GetResults(ctx context.Context, runID string) ([]*ResultRecord, error) {
	if s == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("store: empty run id")
	}

	rows, err := s.resultsByRunStmt.QueryContext(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("store: get results: %w", err)
	}
	defer rows.Close()

	var out []*ResultRecord
	for rows.Next() {
		var (
			rec         ResultRecord
			buildPassed int
			createdAtMS int64
			resultJSON  []byte
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.PromptName,
			&rec.Step,
			&rec.Points,
			&rec.MaxPoints,
			&buildPassed,
			&createdAtMS,
			&resultJSON,
		); err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return nil, fmt.Errorf("store: decode result %q: %w", rec.PromptName, err)
		}
		rec.BuildPassed = buildPassed != 0
		rec.CreatedAt = time.UnixMilli(createdAtMS).UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan result rows: %w", err)
	}
	return out, nil
}

// GetPromptHistory returns recent scoring data points for a prompt, newest
// first.
func (s *SQLiteStore) GetPromptHistory(ctx context.Context, promptName string, limit int) ([]*PromptScore, error) {
	if s == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}
	promptName = strings.TrimSpace(promptName)
	if promptName == "" {
		return nil, errors.New("store: empty prompt name")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.promptHistoryStmt.QueryContext(ctx, promptName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: prompt history: %w", err)
	}
	defer rows.Close()

	var out []*PromptScore
	for rows.Next() {
		var (
			score       PromptScore
			createdAtMS int64
		)
		if err := rows.Scan(&score.RunID, &score.PromptName, &score.Step, &score.Points, &score.MaxPoints, &createdAtMS); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		score.CreatedAt = time.UnixMilli(createdAtMS).UTC()
		out = append(out, &score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan history rows: %w", err)
	}
	return out, nil
}

// CachedPromptNames returns every prompt name with at least one stored
// result. Local-mode runs use this set to select candidates.
func (s *SQLiteStore) CachedPromptNames(ctx context.Context) (map[string]struct{}, error) {
	if s == nil {
		return nil, errors.New("store: nil sqlite store")
	}
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}

	rows, err := s.cachedPromptsStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: cached prompts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan cached prompt: %w", err)
		}
		out[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan cached prompts: %w", err)
	}
	return out, nil
}

func scanRunRow(scan func(dest ...any) error) (*RunRecord, error) {
	var (
		rec          RunRecord
		startedAtMS  int64
		finishedAtMS int64
		labelsJSON   sql.NullString
		summary      sql.NullString
		failedJSON   sql.NullString
		analysesJSON sql.NullString
	)
	if err := scan(
		&rec.ID,
		&rec.GroupID,
		&rec.ProtocolVersion,
		&rec.EnvironmentID,
		&rec.RatingHash,
		&rec.ExecutorID,
		&startedAtMS,
		&finishedAtMS,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.ResultCount,
		&labelsJSON,
		&summary,
		&failedJSON,
		&analysesJSON,
	); err != nil {
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(startedAtMS).UTC()
	rec.FinishedAt = time.UnixMilli(finishedAtMS).UTC()
	rec.Summary = summary.String

	if err := decodeNullableJSON(labelsJSON, &rec.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	if err := decodeNullableJSON(failedJSON, &rec.FailedPrompts); err != nil {
		return nil, fmt.Errorf("decode failed prompts: %w", err)
	}
	if err := decodeNullableJSON(analysesJSON, &rec.Analyses); err != nil {
		return nil, fmt.Errorf("decode analyses: %w", err)
	}
	return &rec, nil
}

func decodeNullableJSON(src sql.NullString, dst any) error {
	if !src.Valid {
		return nil
	}
	raw := strings.TrimSpace(src.String)
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
