package main

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "caseline-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertTestCase(t *testing.T, db *sql.DB, c CaseRecord) int64 {
	t.Helper()
	id, err := InsertCase(db, c)
	if err != nil {
		t.Fatalf("InsertCase failed: %v", err)
	}
	return id
}

func TestInitDBHasProcessingColumns(t *testing.T) {
	db := newTestDB(t)

	for _, col := range []string{"processing_status", "progress_percent", "progress_message"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('cases') WHERE name = ?`, col).Scan(&count); err != nil {
			t.Fatalf("query pragma_table_info failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected column %s to exist, count=%d", col, count)
		}
	}
}

func TestCaseCRUD(t *testing.T) {
	db := newTestDB(t)

	id := insertTestCase(t, db, CaseRecord{
		Name:      "State v. Harwood",
		DocketURL: "https://court.example/harwood",
		Notes:     "Imported 2026-08-01",
	})

	c, err := GetCaseByID(db, id)
	if err != nil {
		t.Fatalf("GetCaseByID failed: %v", err)
	}
	if c.Name != "State v. Harwood" {
		t.Fatalf("unexpected name %q", c.Name)
	}
	if c.Status != StatusPending {
		t.Fatalf("expected default status Pending, got %q", c.Status)
	}
	if c.ProcessingStatus != ProcessingIdle {
		t.Fatalf("expected default processing_status idle, got %q", c.ProcessingStatus)
	}
	if !c.LastChecked.IsZero() {
		t.Fatalf("expected zero LastChecked for new case, got %v", c.LastChecked)
	}

	if err := UpdateCaseFields(db, id, map[string]any{"status": StatusOpen, "next_hearing_date": "2026-09-10"}); err != nil {
		t.Fatalf("UpdateCaseFields failed: %v", err)
	}
	c, err = GetCaseByID(db, id)
	if err != nil {
		t.Fatalf("GetCaseByID after update failed: %v", err)
	}
	if c.Status != StatusOpen || c.NextHearing != "2026-09-10" {
		t.Fatalf("update not applied: status=%q hearing=%q", c.Status, c.NextHearing)
	}

	if err := DeleteCaseByID(db, id); err != nil {
		t.Fatalf("DeleteCaseByID failed: %v", err)
	}
	if _, err := GetCaseByID(db, id); err != sql.ErrNoRows {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
}

func TestUpdateCaseFieldsMissingCase(t *testing.T) {
	db := newTestDB(t)
	err := UpdateCaseFields(db, 999, map[string]any{"status": StatusClosed})
	if err == nil {
		t.Fatalf("expected error updating missing case")
	}
}

func TestGetCasesByStatus(t *testing.T) {
	db := newTestDB(t)
	insertTestCase(t, db, CaseRecord{Name: "A", Status: StatusOpen})
	insertTestCase(t, db, CaseRecord{Name: "B", Status: StatusClosed})
	insertTestCase(t, db, CaseRecord{Name: "C", Status: StatusPending})

	got, err := GetCasesByStatus(db, StatusOpen, StatusPending)
	if err != nil {
		t.Fatalf("GetCasesByStatus failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(got))
	}
	for _, c := range got {
		if c.Status == StatusClosed {
			t.Fatalf("closed case leaked into result: %+v", c)
		}
	}
}

func TestGetUpcomingHearingsWindow(t *testing.T) {
	db := newTestDB(t)
	today := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	insertTestCase(t, db, CaseRecord{Name: "tomorrow", Status: StatusOpen, NextHearing: "2026-08-26"})
	insertTestCase(t, db, CaseRecord{Name: "edge", Status: StatusOpen, NextHearing: "2026-09-01"})
	insertTestCase(t, db, CaseRecord{Name: "too far", Status: StatusOpen, NextHearing: "2026-09-02"})
	insertTestCase(t, db, CaseRecord{Name: "past", Status: StatusOpen, NextHearing: "2026-08-20"})
	insertTestCase(t, db, CaseRecord{Name: "none", Status: StatusOpen})

	got, err := GetUpcomingHearings(db, today, 7)
	if err != nil {
		t.Fatalf("GetUpcomingHearings failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 upcoming hearings, got %d", len(got))
	}
	if got[0].Name != "tomorrow" || got[1].Name != "edge" {
		t.Fatalf("unexpected order: %q, %q", got[0].Name, got[1].Name)
	}
}

func TestClaimCaseForProcessing(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	staleBefore := now.Add(-time.Hour)

	idleID := insertTestCase(t, db, CaseRecord{Name: "idle case"})
	claimed, err := ClaimCaseForProcessing(db, idleID, staleBefore)
	if err != nil {
		t.Fatalf("claim idle failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected to claim idle case")
	}
	c, _ := GetCaseByID(db, idleID)
	if c.ProcessingStatus != ProcessingQueued {
		t.Fatalf("expected queued after claim, got %q", c.ProcessingStatus)
	}

	// A job that checked in 10 minutes ago is alive: claim must fail.
	busyID := insertTestCase(t, db, CaseRecord{Name: "busy case", LastChecked: now.Add(-10 * time.Minute)})
	if err := UpdateCaseFields(db, busyID, map[string]any{"processing_status": ProcessingActive}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	claimed, err = ClaimCaseForProcessing(db, busyID, staleBefore)
	if err != nil {
		t.Fatalf("claim busy failed: %v", err)
	}
	if claimed {
		t.Fatalf("claimed a case with a live job")
	}

	// A job stuck in processing for 90 minutes is a zombie: claim succeeds.
	zombieID := insertTestCase(t, db, CaseRecord{Name: "zombie case", LastChecked: now.Add(-90 * time.Minute)})
	if err := UpdateCaseFields(db, zombieID, map[string]any{"processing_status": ProcessingActive}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	claimed, err = ClaimCaseForProcessing(db, zombieID, staleBefore)
	if err != nil {
		t.Fatalf("claim zombie failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected to override zombie job")
	}
}

func TestSetCaseProgressMirror(t *testing.T) {
	db := newTestDB(t)
	id := insertTestCase(t, db, CaseRecord{Name: "progressing"})

	if err := SetCaseProgress(db, id, ProgressRecord{Step: "search", Percent: 30, Message: "Running web search", Status: ProcessingActive}); err != nil {
		t.Fatalf("SetCaseProgress failed: %v", err)
	}
	c, err := GetCaseByID(db, id)
	if err != nil {
		t.Fatalf("GetCaseByID failed: %v", err)
	}
	if c.ProcessingStatus != ProcessingActive || c.ProgressPercent != 30 || c.ProgressMessage != "Running web search" {
		t.Fatalf("mirror not written: %+v", c)
	}
}
