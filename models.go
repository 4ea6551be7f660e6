package main

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Canonical case statuses. Raw extractor vocabulary is mapped onto these
// values before it reaches any other component; StatusPending exists only
// for records that have never been researched.
const (
	StatusOpen           = "Open"
	StatusClosed         = "Closed"
	StatusVerdictReached = "VerdictReached"
	StatusPending        = "Pending"
	StatusUnknown        = "Unknown"
)

// Processing lifecycle of a background research job. Transitions only move
// forward: idle/complete -> queued -> processing -> complete.
const (
	ProcessingIdle     = "idle"
	ProcessingQueued   = "queued"
	ProcessingActive   = "processing"
	ProcessingComplete = "complete"
)

// Unknown marks a field the extractor could not determine.
const Unknown = "Unknown"

type CaseRecord struct {
	ID          int64
	Name        string
	DocketURL   string
	Status      string
	NextHearing string // ISO date, empty when unknown
	LastHearing string
	LastChecked time.Time // zero when never checked
	Confidence  string    // "high", "medium", "low"
	Notes       string
	VictimName  string
	SuspectName string

	ProcessingStatus string
	ProgressPercent  int
	ProgressMessage  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verdict is the structured fact set extracted from one research round.
type Verdict struct {
	NextHearingDate      string `json:"next_hearing_date"`
	LastHearingDate      string `json:"last_hearing_date"`
	CaseStatus           string `json:"case_status"`
	VictimName           string `json:"victim_name"`
	SuspectName          string `json:"suspect_name"`
	Confidence           string `json:"confidence"`
	Notes                string `json:"notes"`
	RequiresManualReview bool   `json:"requires_manual_review"`
}

// ProgressRecord reports how far a research job has gotten. The in-memory
// copy is authoritative while the process lives; the persisted mirror on the
// case record takes over after a restart.
type ProgressRecord struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type statusSynonym struct {
	phrase string
	status string
}

// Ordered so the substring pass is deterministic.
var statusSynonyms = []statusSynonym{
	{"dismissed", StatusClosed},
	{"settled", StatusClosed},
	{"acquitted", StatusClosed},
	{"withdrawn", StatusClosed},
	{"verdict reached", StatusVerdictReached},
	{"adjudicated", StatusVerdictReached},
	{"sentenced", StatusVerdictReached},
	{"convicted", StatusVerdictReached},
	{"judgment entered", StatusVerdictReached},
	{"stayed", StatusOpen},
	{"adjourned", StatusOpen},
	{"active", StatusOpen},
	{"pending", StatusOpen},
	{"ongoing", StatusOpen},
	{"in progress", StatusOpen},
}

var statusSynonymIndex = func() map[string]string {
	m := make(map[string]string, len(statusSynonyms))
	for _, s := range statusSynonyms {
		m[s.phrase] = s.status
	}
	return m
}()

// normalizeCaseStatus maps whatever the extraction backend emitted onto the
// canonical vocabulary. Already-canonical values pass through untouched.
func normalizeCaseStatus(raw string) string {
	s := strings.TrimSpace(raw)
	switch s {
	case StatusOpen, StatusClosed, StatusVerdictReached, StatusUnknown:
		return s
	}

	lower := strings.ToLower(s)
	if canonical, ok := statusSynonymIndex[lower]; ok {
		return canonical
	}
	for _, syn := range statusSynonyms {
		if strings.Contains(lower, syn.phrase) {
			return syn.status
		}
	}
	for _, kw := range []string{"close", "end", "finish"} {
		if strings.Contains(lower, kw) {
			return StatusClosed
		}
	}
	// A status we cannot place means the court is still talking about it.
	return StatusOpen
}

// parseHearingDate parses a hearing date, strict ISO first, then a
// general-purpose parser. "Unknown", empty, and garbage all report !ok.
func parseHearingDate(value string) (time.Time, bool) {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, Unknown) {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	if t, err := dateparse.ParseAny(v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// cleanDate converts "Unknown"/unparseable verdict dates to the empty string
// used for SQL-null semantics, and canonicalizes parseable ones to ISO.
func cleanDate(value string) string {
	t, ok := parseHearingDate(value)
	if !ok {
		return ""
	}
	return t.Format("2006-01-02")
}

// dateOnly truncates a time to midnight in its own location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
