package main

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := openCaseDB(path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		case_name         TEXT NOT NULL,
		docket_url        TEXT DEFAULT '',
		victim_name       TEXT DEFAULT '',
		suspect_name      TEXT DEFAULT '',
		next_hearing_date TEXT DEFAULT '',
		last_hearing_date TEXT DEFAULT '',
		last_checked      DATETIME,
		status            TEXT DEFAULT 'Open',
		confidence        TEXT DEFAULT 'high',
		notes             TEXT DEFAULT '',
		processing_status TEXT DEFAULT 'idle',
		progress_percent  INTEGER DEFAULT 0,
		progress_message  TEXT DEFAULT '',
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	CREATE INDEX IF NOT EXISTS idx_cases_next_hearing ON cases(next_hearing_date);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	// Migration: databases created before background jobs existed lack the
	// processing columns.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('cases') WHERE name = 'processing_status'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE cases ADD COLUMN processing_status TEXT DEFAULT 'idle'`)
		_, _ = db.Exec(`ALTER TABLE cases ADD COLUMN progress_percent INTEGER DEFAULT 0`)
		_, _ = db.Exec(`ALTER TABLE cases ADD COLUMN progress_message TEXT DEFAULT ''`)
	}

	return db, nil
}

// openCaseDB opens an independent handle to the store. Concurrent research
// jobs each take their own handle rather than sharing one.
func openCaseDB(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_busy_timeout=5000")
}

const caseColumns = `id, case_name, docket_url, victim_name, suspect_name,
	next_hearing_date, last_hearing_date, last_checked, status, confidence, notes,
	processing_status, progress_percent, progress_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (CaseRecord, error) {
	var c CaseRecord
	var lastChecked sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.DocketURL, &c.VictimName, &c.SuspectName,
		&c.NextHearing, &c.LastHearing, &lastChecked, &c.Status, &c.Confidence, &c.Notes,
		&c.ProcessingStatus, &c.ProgressPercent, &c.ProgressMessage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if lastChecked.Valid {
		c.LastChecked = lastChecked.Time
	}
	return c, nil
}

func scanCases(rows *sql.Rows) ([]CaseRecord, error) {
	defer rows.Close()
	var cases []CaseRecord
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func InsertCase(db *sql.DB, c CaseRecord) (int64, error) {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.Confidence == "" {
		c.Confidence = "high"
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = ProcessingIdle
	}
	var lastChecked any
	if !c.LastChecked.IsZero() {
		lastChecked = c.LastChecked
	}
	res, err := db.Exec(
		`INSERT INTO cases (case_name, docket_url, victim_name, suspect_name,
		 next_hearing_date, last_hearing_date, last_checked, status, confidence, notes, processing_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.DocketURL, c.VictimName, c.SuspectName,
		c.NextHearing, c.LastHearing, lastChecked, c.Status, c.Confidence, c.Notes, c.ProcessingStatus,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetCaseByID(db *sql.DB, id int64) (CaseRecord, error) {
	row := db.QueryRow(`SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	return scanCase(row)
}

func GetAllCases(db *sql.DB) ([]CaseRecord, error) {
	rows, err := db.Query(`SELECT ` + caseColumns + ` FROM cases ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

func GetCasesByStatus(db *sql.DB, statuses ...string) ([]CaseRecord, error) {
	query, args, err := sq.Select(caseColumns).
		From("cases").
		Where(sq.Eq{"status": statuses}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

// GetUpcomingHearings returns cases whose next hearing falls within the next
// N days, soonest first. ISO dates compare correctly as text.
func GetUpcomingHearings(db *sql.DB, today time.Time, days int) ([]CaseRecord, error) {
	from := today.Format("2006-01-02")
	to := today.AddDate(0, 0, days).Format("2006-01-02")
	query, args, err := sq.Select(caseColumns).
		From("cases").
		Where(sq.NotEq{"next_hearing_date": ""}).
		Where(sq.GtOrEq{"next_hearing_date": from}).
		Where(sq.LtOrEq{"next_hearing_date": to}).
		OrderBy("next_hearing_date").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanCases(rows)
}

// UpdateCaseFields applies a partial update. Keys are column names; callers
// only pass fields they actually want changed.
func UpdateCaseFields(db *sql.DB, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	query, args, err := sq.Update("cases").
		SetMap(fields).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("case %d not found", id)
	}
	return nil
}

func DeleteCaseByID(db *sql.DB, id int64) error {
	_, err := db.Exec(`DELETE FROM cases WHERE id = ?`, id)
	return err
}

// ClaimCaseForProcessing is the admission compare-and-set: it flips a case to
// "queued" only when the case is idle/complete, or when its last-checked
// timestamp is old enough that the previous job is presumed dead. Returns
// false when a live job already holds the case. Deliberately best-effort: two
// triggers racing inside one statement window resolve to a single winner, but
// the check-then-claim gap above this call is tolerated by design.
func ClaimCaseForProcessing(db *sql.DB, id int64, staleBefore time.Time) (bool, error) {
	res, err := db.Exec(
		`UPDATE cases
		 SET processing_status = ?, progress_percent = 0, progress_message = 'Queued for research', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?
		   AND (processing_status IN (?, ?, '') OR processing_status IS NULL
		        OR last_checked IS NULL OR last_checked <= ?)`,
		ProcessingQueued, id, ProcessingIdle, ProcessingComplete, staleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCaseProgress writes the persisted progress mirror. Failures are the
// caller's problem to log, not to propagate.
func SetCaseProgress(db *sql.DB, id int64, pr ProgressRecord) error {
	_, err := db.Exec(
		`UPDATE cases SET processing_status = ?, progress_percent = ?, progress_message = ? WHERE id = ?`,
		pr.Status, pr.Percent, pr.Message, id,
	)
	return err
}

func TouchLastChecked(db *sql.DB, id int64, t time.Time) error {
	_, err := db.Exec(`UPDATE cases SET last_checked = ? WHERE id = ?`, t, id)
	return err
}
