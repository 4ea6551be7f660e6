package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrCaseBusy means a live research job already holds the case.
var ErrCaseBusy = errors.New("case is already being researched")

// ChangeResult describes what one research job did to a case record. The
// triage sweep batches these into a single digest notification.
type ChangeResult struct {
	CaseID         int64  `json:"case_id"`
	CaseName       string `json:"case_name"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	OldNextHearing string `json:"old_next_hearing"`
	NewNextHearing string `json:"new_next_hearing"`
	AttemptsUsed   int    `json:"search_attempts"`
	ManualReview   bool   `json:"manual_review"`
	FirstRun       bool   `json:"first_run"`
	Changed        bool   `json:"changed"`
}

// JobManager owns the background research jobs: admission, the concurrency
// gate, progress reporting, and verdict write-back. Progress lives in memory
// while the process runs and is mirrored to the case row so a restart
// degrades to slightly stale progress instead of none.
type JobManager struct {
	dbPath     string
	db         *sql.DB
	researcher *Researcher
	sem        *semaphore.Weighted

	zombieAfter time.Duration
	now         func() time.Time

	mu       sync.Mutex
	progress map[int64]ProgressRecord

	wg sync.WaitGroup
}

func NewJobManager(cfg Config, db *sql.DB, researcher *Researcher) *JobManager {
	return &JobManager{
		dbPath:      cfg.DBPath,
		db:          db,
		researcher:  researcher,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		zombieAfter: cfg.ZombieThreshold(),
		now:         time.Now,
		progress:    make(map[int64]ProgressRecord),
	}
}

// TriggerCase starts a research job in the background. It returns ErrCaseBusy
// when another live job holds the case; any later failure is the job's own
// problem and surfaces through progress, not through this call.
func (m *JobManager) TriggerCase(id int64) error {
	if err := m.claim(id); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.runJob(context.Background(), id); err != nil {
			log.Printf("job case=%d failed: %v", id, err)
		}
	}()
	return nil
}

// RunCase researches a case synchronously and reports what changed. The
// triage sweep uses this form so it can batch results into one digest.
func (m *JobManager) RunCase(ctx context.Context, id int64) (ChangeResult, error) {
	if err := m.claim(id); err != nil {
		return ChangeResult{}, err
	}
	return m.runJob(ctx, id)
}

// Wait blocks until every in-flight background job has finished.
func (m *JobManager) Wait() {
	m.wg.Wait()
}

// claim is the admission gate. The compare-and-set in the store decides;
// a stale-enough last_checked lets a new job override a presumed-dead one.
func (m *JobManager) claim(id int64) error {
	existing, err := GetCaseByID(m.db, id)
	if err != nil {
		return fmt.Errorf("loading case %d: %w", id, err)
	}

	staleBefore := m.now().Add(-m.zombieAfter)
	claimed, err := ClaimCaseForProcessing(m.db, id, staleBefore)
	if err != nil {
		return fmt.Errorf("claiming case %d: %w", id, err)
	}
	if !claimed {
		log.Printf("job case=%d rejected: already %s", id, existing.ProcessingStatus)
		return ErrCaseBusy
	}

	if existing.ProcessingStatus == ProcessingQueued || existing.ProcessingStatus == ProcessingActive {
		log.Printf("job case=%d overriding zombie job (stale since %s)", id, existing.LastChecked.Format(time.RFC3339))
	}

	m.setProgress(m.db, id, ProgressRecord{Step: "queued", Percent: 0, Message: "Queued for research", Status: ProcessingQueued})
	return nil
}

func (m *JobManager) runJob(ctx context.Context, id int64) (ChangeResult, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.setProgress(m.db, id, ProgressRecord{Step: "error", Percent: 0, Message: "Job cancelled before start", Status: ProcessingIdle})
		return ChangeResult{}, fmt.Errorf("acquiring job slot for case %d: %w", id, err)
	}
	defer m.sem.Release(1)

	// Each job gets its own store handle so concurrent write-backs queue on
	// sqlite's busy timeout instead of fighting over one connection.
	db, err := openCaseDB(m.dbPath)
	if err != nil {
		m.setProgress(m.db, id, ProgressRecord{Step: "error", Percent: 0, Message: "Store unavailable", Status: ProcessingIdle})
		return ChangeResult{}, fmt.Errorf("opening store for case %d: %w", id, err)
	}
	defer db.Close()

	record, err := GetCaseByID(db, id)
	if err != nil {
		m.setProgress(m.db, id, ProgressRecord{Step: "error", Percent: 0, Message: "Case not found", Status: ProcessingIdle})
		return ChangeResult{}, fmt.Errorf("loading case %d: %w", id, err)
	}

	sink := func(step string, percent int, message string) {
		m.setProgress(db, id, ProgressRecord{Step: step, Percent: percent, Message: message, Status: ProcessingActive})
	}

	outcome := m.researcher.ResearchCase(ctx, record.Name, record.DocketURL, id, sink)
	result := m.writeBack(db, record, outcome)

	m.setProgress(db, id, ProgressRecord{Step: "complete", Percent: 100, Message: "Research complete", Status: ProcessingComplete})
	return result, nil
}

// writeBack applies a verdict to the stored record and classifies the change.
// A failed round must never erase facts a previous round established, so
// Unknown fields leave their columns alone.
func (m *JobManager) writeBack(db *sql.DB, record CaseRecord, outcome ResearchOutcome) ChangeResult {
	v := outcome.Verdict

	result := ChangeResult{
		CaseID:         record.ID,
		CaseName:       record.Name,
		OldStatus:      record.Status,
		OldNextHearing: record.NextHearing,
		AttemptsUsed:   outcome.AttemptsUsed,
		ManualReview:   v.RequiresManualReview,
		FirstRun:       record.NextHearing == "" && record.LastHearing == "",
	}

	fields := map[string]any{}

	newStatus := record.Status
	if v.CaseStatus != StatusUnknown && v.CaseStatus != "" {
		newStatus = v.CaseStatus
	}
	if newStatus != record.Status {
		fields["status"] = newStatus
	}
	result.NewStatus = newStatus

	newNext := cleanDate(v.NextHearingDate)
	if v.CaseStatus == StatusUnknown && newNext == "" {
		// Total extraction failure: keep the date we already had.
		newNext = record.NextHearing
	}
	if newNext != record.NextHearing {
		fields["next_hearing_date"] = newNext
	}
	result.NewNextHearing = newNext

	if last := cleanDate(v.LastHearingDate); last != "" && last != record.LastHearing {
		fields["last_hearing_date"] = last
	}
	if v.VictimName != Unknown && v.VictimName != "" && v.VictimName != record.VictimName {
		fields["victim_name"] = v.VictimName
	}
	if v.SuspectName != Unknown && v.SuspectName != "" && v.SuspectName != record.SuspectName {
		fields["suspect_name"] = v.SuspectName
	}
	if v.Confidence != "" {
		fields["confidence"] = v.Confidence
	}
	if strings.TrimSpace(v.Notes) != "" {
		fields["notes"] = v.Notes
	}

	if len(fields) > 0 {
		if err := UpdateCaseFields(db, record.ID, fields); err != nil {
			log.Printf("job case=%d write-back failed: %v", record.ID, err)
		}
	}
	if err := TouchLastChecked(db, record.ID, m.now().UTC()); err != nil {
		log.Printf("job case=%d touching last_checked failed: %v", record.ID, err)
	}

	result.Changed = result.NewStatus != result.OldStatus ||
		result.NewNextHearing != result.OldNextHearing ||
		result.ManualReview

	log.Printf("job case=%d done status=%s->%s hearing=%q->%q attempts=%d manual_review=%t",
		record.ID, result.OldStatus, result.NewStatus, result.OldNextHearing, result.NewNextHearing,
		result.AttemptsUsed, result.ManualReview)
	return result
}

// setProgress updates the in-memory record and its persisted mirror. Percent
// never moves backwards within a job; retry rounds report lower raw numbers
// than the analyze phase they follow.
func (m *JobManager) setProgress(db *sql.DB, id int64, pr ProgressRecord) {
	m.mu.Lock()
	if prev, ok := m.progress[id]; ok && prev.Status == pr.Status && pr.Percent < prev.Percent {
		pr.Percent = prev.Percent
	}
	m.progress[id] = pr
	m.mu.Unlock()

	if err := SetCaseProgress(db, id, pr); err != nil {
		log.Printf("job case=%d persisting progress failed: %v", id, err)
	}
}

// GetProgress reports a case's research progress: the live in-memory record
// when the process has one, the persisted mirror otherwise.
func (m *JobManager) GetProgress(id int64) ProgressRecord {
	m.mu.Lock()
	pr, ok := m.progress[id]
	m.mu.Unlock()
	if ok {
		return pr
	}

	record, err := GetCaseByID(m.db, id)
	if err != nil {
		return ProgressRecord{Step: "idle", Percent: 0, Message: "", Status: ProcessingIdle}
	}
	status := record.ProcessingStatus
	if status == "" {
		status = ProcessingIdle
	}
	return ProgressRecord{
		Step:    status,
		Percent: record.ProgressPercent,
		Message: record.ProgressMessage,
		Status:  status,
	}
}
