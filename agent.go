package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	docketEvidenceCap = 20000
	sourceEvidenceCap = 5000
	topSearchFetches  = 2
	evidenceSeparator = "\n\n---\n\n"
)

// ResearchSession is the ephemeral state of one workflow run. It is created
// at workflow start and discarded at workflow end; only the final verdict
// survives, written back to the case record by the job layer.
type ResearchSession struct {
	ID            string
	CaseID        int64
	CaseName      string
	DocketURL     string
	Attempts      int
	Evidence      string
	SearchSummary string
	Verdict       Verdict
	LastError     string
}

type ResearchOutcome struct {
	CaseName     string  `json:"case_name"`
	Verdict      Verdict `json:"verdict"`
	AttemptsUsed int     `json:"search_attempts"`
	Success      bool    `json:"success"`
}

// progressFunc receives phase-boundary progress updates. May be nil.
type progressFunc func(step string, percent int, message string)

type decision int

const (
	decideStop decision = iota
	decideContinue
)

type Researcher struct {
	search      SearchClient
	fetch       Fetcher
	llm         CompletionClient
	maxAttempts int
	now         func() time.Time
}

func NewResearcher(cfg Config, search SearchClient, fetch Fetcher, llm CompletionClient) *Researcher {
	return &Researcher{
		search:      search,
		fetch:       fetch,
		llm:         llm,
		maxAttempts: cfg.MaxSearchAttempts,
		now:         time.Now,
	}
}

// ResearchCase drives the bounded Searching -> Analyzing -> Deciding cycle
// and returns the final verdict. Success means the verdict did not end up
// flagged for manual review.
func (r *Researcher) ResearchCase(ctx context.Context, name, docketURL string, caseID int64, progress progressFunc) ResearchOutcome {
	if progress == nil {
		progress = func(string, int, string) {}
	}

	s := &ResearchSession{
		ID:        uuid.NewString()[:8],
		CaseID:    caseID,
		CaseName:  name,
		DocketURL: docketURL,
	}
	log.Printf("research start session=%s case=%q docket=%q", s.ID, name, docketURL)
	progress("start", 5, "Initializing research")

	for {
		r.runSearchPhase(ctx, s, progress)
		r.runAnalyzePhase(ctx, s, progress)
		if decide(&s.Verdict, s.Attempts, r.maxAttempts, r.now()) == decideStop {
			break
		}
		log.Printf("research session=%s retrying attempt=%d/%d", s.ID, s.Attempts+1, r.maxAttempts)
	}

	progress("complete", 100, "Research complete")
	log.Printf("research done session=%s case=%q attempts=%d status=%s manual_review=%t",
		s.ID, name, s.Attempts, s.Verdict.CaseStatus, s.Verdict.RequiresManualReview)

	return ResearchOutcome{
		CaseName:     name,
		Verdict:      s.Verdict,
		AttemptsUsed: s.Attempts,
		Success:      !s.Verdict.RequiresManualReview,
	}
}

func queryForAttempt(attempt int, caseName string) string {
	switch attempt {
	case 0:
		return fmt.Sprintf("latest court hearing %s", caseName)
	case 1:
		return fmt.Sprintf("docket schedule %s official record", caseName)
	default:
		return fmt.Sprintf("court case status %s", caseName)
	}
}

// runSearchPhase acquires evidence for one attempt. The attempt counter
// advances by exactly one per call, on success and failure alike, so a
// persistently failing source cannot spin the loop forever.
func (r *Researcher) runSearchPhase(ctx context.Context, s *ResearchSession, progress progressFunc) {
	attempt := s.Attempts
	progress("search", 20+attempt*10, fmt.Sprintf("Searching: attempt %d", attempt+1))

	// The first attempt goes to the official docket exclusively when one
	// exists. An empty docket does not block the workflow: it falls through
	// to web search within the same logical attempt.
	if attempt == 0 && s.DocketURL != "" {
		progress("search", 25, "Accessing official docket")
		content, err := r.fetch.Fetch(ctx, s.DocketURL)
		if err != nil {
			log.Printf("research session=%s docket fetch failed url=%s err=%v", s.ID, s.DocketURL, err)
		}
		if strings.TrimSpace(content) != "" {
			if len(content) > docketEvidenceCap {
				content = content[:docketEvidenceCap]
			}
			s.Evidence = fmt.Sprintf("## OFFICIAL DOCKET SOURCE (%s)\n\n%s", s.DocketURL, content)
			s.SearchSummary = "Direct scrape of " + s.DocketURL
			s.LastError = ""
			s.Attempts++
			log.Printf("research session=%s docket evidence chars=%d", s.ID, len(content))
			return
		}
		log.Printf("research session=%s docket empty, falling back to web search", s.ID)
	}

	query := queryForAttempt(attempt, s.CaseName)
	progress("search", 30+attempt*10, "Running web search")
	log.Printf("research session=%s attempt=%d query=%q", s.ID, attempt+1, query)

	summary, urls, err := r.search.Search(ctx, query)
	if err != nil {
		// A failed round still burns the attempt.
		s.LastError = fmt.Sprintf("search failed: %v", err)
		s.Attempts++
		log.Printf("research session=%s search error: %v", s.ID, err)
		return
	}
	s.SearchSummary = summary

	progress("search", 40+attempt*10, "Scanning search results")
	if len(urls) > topSearchFetches {
		urls = urls[:topSearchFetches]
	}
	fetched := r.fetch.FetchBatch(ctx, urls)

	var parts []string
	for i, u := range urls {
		content, ok := fetched[u]
		if !ok {
			continue
		}
		progress("search", 45+i*5+attempt*10, fmt.Sprintf("Reading source %d", i+1))
		if len(content) > sourceEvidenceCap {
			content = content[:sourceEvidenceCap]
		}
		parts = append(parts, fmt.Sprintf("## Web Source: %s\n\n%s", u, content))
	}
	scraped := strings.Join(parts, evidenceSeparator)

	// Evidence only grows: later extraction rounds must see everything
	// gathered so far, bounded by the extractor's own input cap.
	combined := fmt.Sprintf("%s\n\n--- Search Attempt %d ---\n\n%s", s.Evidence, attempt+1, scraped)
	s.Evidence = strings.TrimSpace(combined)
	s.LastError = ""
	s.Attempts++
}

func (r *Researcher) runAnalyzePhase(ctx context.Context, s *ResearchSession, progress progressFunc) {
	progress("analyze", 70, "Analyzing gathered evidence")
	s.Verdict = ExtractVerdict(ctx, r.llm, s.CaseName, s.SearchSummary, s.Evidence, r.now())
	progress("analyze", 90, "Finalizing verdict")
}

// decide is the decision policy: CONTINUE means another acquire+extract
// round, STOP ends the workflow. On the exhaustion path it mutates the
// verdict to demand manual review; on the past-date path it demotes the
// hearing date. A past-dated "next hearing" is evidence the case is still
// open and worth another round, not a terminal success.
func decide(v *Verdict, attemptsSoFar, maxAttempts int, today time.Time) decision {
	switch v.CaseStatus {
	case StatusClosed, StatusVerdictReached:
		return decideStop
	}

	if hearing, ok := parseHearingDate(v.NextHearingDate); ok {
		if !dateOnly(hearing).Before(dateOnly(today)) {
			return decideStop
		}
		v.LastHearingDate = hearing.Format("2006-01-02")
		v.NextHearingDate = Unknown
	}

	if attemptsSoFar < maxAttempts {
		return decideContinue
	}

	v.RequiresManualReview = true
	v.Notes = strings.TrimSpace(v.Notes + " [Max search attempts reached]")
	return decideStop
}
