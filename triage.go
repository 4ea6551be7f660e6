package main

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// Hearings inside this window always warrant a fresh look.
	urgentHearingDays = 7
	// Hearings beyond this window are too far out to research yet.
	distantHearingDays = 30
	// Window for the "upcoming hearings" section of the digest.
	digestHearingDays = 7
)

// TriageScheduler walks the whole caseload once per tick, re-researches the
// cases that warrant it, and sends one digest for the sweep.
type TriageScheduler struct {
	db           *sql.DB
	jobs         *JobManager
	notifier     Notifier
	schedule     string
	recheckAfter time.Duration
	now          func() time.Time
}

func NewTriageScheduler(cfg Config, db *sql.DB, jobs *JobManager, notifier Notifier) *TriageScheduler {
	return &TriageScheduler{
		db:           db,
		jobs:         jobs,
		notifier:     notifier,
		schedule:     cfg.TriageSchedule,
		recheckAfter: cfg.RecheckThreshold(),
		now:          time.Now,
	}
}

// Start runs the scheduler loop until ctx is cancelled. The schedule is
// validated at startup so a bad cron expression fails fast.
func (s *TriageScheduler) Start(ctx context.Context) error {
	sched, err := cron.ParseStandard(s.schedule)
	if err != nil {
		return err
	}

	go func() {
		for {
			next := sched.Next(s.now())
			log.Printf("triage next sweep at %s", next.Format(time.RFC3339))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				s.RunSweep(ctx)
			}
		}
	}()
	return nil
}

// RunSweep triages every case and researches the eligible ones. Jobs run
// through the manager, so the global concurrency cap applies; the sweep
// itself just waits for its own batch and mails one digest.
func (s *TriageScheduler) RunSweep(ctx context.Context) {
	sweepStart := s.now()
	cases, err := GetCasesByStatus(s.db, StatusOpen, StatusPending)
	if err != nil {
		log.Printf("triage loading cases failed: %v", err)
		return
	}

	var mu sync.Mutex
	var results []ChangeResult
	var wg sync.WaitGroup
	triggered := 0

	for _, c := range cases {
		run, reason := shouldRunTriage(c, sweepStart, s.recheckAfter)
		if !run {
			log.Printf("triage skip case=%d %q: %s", c.ID, c.Name, reason)
			continue
		}
		log.Printf("triage run case=%d %q: %s", c.ID, c.Name, reason)
		triggered++

		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			result, err := s.jobs.RunCase(ctx, id)
			if err != nil {
				if err != ErrCaseBusy {
					log.Printf("triage case=%d research failed: %v", id, err)
				}
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(c.ID)
	}
	wg.Wait()

	upcoming, err := GetUpcomingHearings(s.db, sweepStart, digestHearingDays)
	if err != nil {
		log.Printf("triage loading upcoming hearings failed: %v", err)
	}

	digest, ok := BuildDigest(results, upcoming, sweepStart)
	if !ok {
		log.Printf("triage sweep done cases=%d researched=%d, nothing to report", len(cases), triggered)
		return
	}
	if err := s.notifier.Send(ctx, digest); err != nil {
		log.Printf("triage digest send failed: %v", err)
	}
	log.Printf("triage sweep done cases=%d researched=%d changes=%d", len(cases), triggered, len(results))
}

// shouldRunTriage decides whether a case deserves a research round this
// sweep. The returned reason is for the log only.
func shouldRunTriage(c CaseRecord, now time.Time, recheckAfter time.Duration) (bool, string) {
	switch c.Status {
	case StatusClosed, StatusVerdictReached:
		return false, "case is " + c.Status
	}

	// Never-researched records always run: imports arrive with no dates and
	// only a seed note.
	if c.LastChecked.IsZero() || strings.Contains(c.Notes, "Imported") {
		return true, "first research run"
	}

	hearing, ok := parseHearingDate(c.NextHearing)
	if !ok {
		// An open case with no known hearing date is exactly what research
		// is for.
		return true, "no hearing date on record"
	}

	days := int(dateOnly(hearing).Sub(dateOnly(now)).Hours() / 24)
	switch {
	case days < 0:
		return true, "hearing date has passed"
	case days <= urgentHearingDays:
		return true, "hearing within a week"
	case days <= distantHearingDays:
		if now.Sub(c.LastChecked) >= recheckAfter {
			return true, "hearing within a month, record stale"
		}
		return false, "hearing within a month, checked recently"
	default:
		return false, "hearing more than a month out"
	}
}
