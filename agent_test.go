package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var testToday = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeSearch struct {
	mu        sync.Mutex
	summaries []string
	urls      [][]string
	errs      []error
	queries   []string
}

func (f *fakeSearch) Search(ctx context.Context, query string) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.queries)
	f.queries = append(f.queries, query)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", nil, f.errs[i]
	}
	summary := "search summary"
	if i < len(f.summaries) {
		summary = f.summaries[i]
	}
	var urls []string
	if i < len(f.urls) {
		urls = f.urls[i]
	}
	return summary, urls, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	content, ok := f.pages[url]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no such page: %s", url)
	}
	return content, nil
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, urls []string) map[string]string {
	out := make(map[string]string, len(urls))
	for _, u := range urls {
		if content, err := f.Fetch(ctx, u); err == nil {
			out[u] = content
		}
	}
	return out
}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
	block     chan struct{} // when set, Complete waits until closed
	active    int
	maxActive int
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	i := len(f.prompts)
	f.prompts = append(f.prompts, userPrompt)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func verdictJSON(status, nextHearing string) string {
	return fmt.Sprintf(`{
		"next_hearing_date": "%s",
		"last_hearing_date": "Unknown",
		"case_status": "%s",
		"victim_name": "Unknown",
		"suspect_name": "Unknown",
		"confidence": "high",
		"notes": "Court records reviewed.",
		"requires_manual_review": false
	}`, nextHearing, status)
}

func newTestResearcher(search SearchClient, fetch Fetcher, llm CompletionClient, maxAttempts int) *Researcher {
	return &Researcher{
		search:      search,
		fetch:       fetch,
		llm:         llm,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return testToday },
	}
}

func TestResearchStopsOnClosedAfterOneAttempt(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}}}
	fetch := &fakeFetcher{pages: map[string]string{"https://news.example/a": "case was dismissed"}}
	llm := &fakeLLM{responses: []string{verdictJSON("Closed", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if outcome.AttemptsUsed != 1 {
		t.Fatalf("expected 1 attempt, got %d", outcome.AttemptsUsed)
	}
	if outcome.Verdict.CaseStatus != StatusClosed {
		t.Fatalf("expected Closed, got %q", outcome.Verdict.CaseStatus)
	}
	if !outcome.Success {
		t.Fatalf("expected success")
	}
	if len(search.queries) != 1 {
		t.Fatalf("expected 1 search, got %d", len(search.queries))
	}
}

func TestResearchStopsOnFutureHearingDate(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}}}
	fetch := &fakeFetcher{pages: map[string]string{"https://news.example/a": "hearing scheduled"}}
	llm := &fakeLLM{responses: []string{verdictJSON("Open", "2026-09-14")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if outcome.AttemptsUsed != 1 {
		t.Fatalf("expected 1 attempt, got %d", outcome.AttemptsUsed)
	}
	if outcome.Verdict.NextHearingDate != "2026-09-14" {
		t.Fatalf("future hearing date lost: %q", outcome.Verdict.NextHearingDate)
	}
	if !outcome.Success {
		t.Fatalf("expected success")
	}
}

func TestResearchRetriesThenExhausts(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}, {"https://news.example/b"}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://news.example/a": "nothing conclusive",
		"https://news.example/b": "still nothing",
	}}
	llm := &fakeLLM{responses: []string{verdictJSON("Open", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if outcome.AttemptsUsed != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", outcome.AttemptsUsed)
	}
	if len(search.queries) != 2 {
		t.Fatalf("expected 2 search phases, got %d", len(search.queries))
	}
	if !outcome.Verdict.RequiresManualReview {
		t.Fatalf("exhausted research must flag manual review")
	}
	if !strings.Contains(outcome.Verdict.Notes, "[Max search attempts reached]") {
		t.Fatalf("exhaustion note missing: %q", outcome.Verdict.Notes)
	}
	if outcome.Success {
		t.Fatalf("exhausted research must not report success")
	}

	// Queries escalate by attempt.
	if !strings.HasPrefix(search.queries[0], "latest court hearing") {
		t.Fatalf("unexpected first query %q", search.queries[0])
	}
	if !strings.HasPrefix(search.queries[1], "docket schedule") {
		t.Fatalf("unexpected second query %q", search.queries[1])
	}
}

func TestResearchAttemptAdvancesOnSearchFailure(t *testing.T) {
	search := &fakeSearch{errs: []error{fmt.Errorf("quota exceeded"), fmt.Errorf("quota exceeded")}}
	fetch := &fakeFetcher{}
	llm := &fakeLLM{responses: []string{verdictJSON("Open", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if outcome.AttemptsUsed != 2 {
		t.Fatalf("failed searches must still burn attempts: got %d", outcome.AttemptsUsed)
	}
	if len(search.queries) != 2 {
		t.Fatalf("expected the loop to terminate after 2 search phases, got %d", len(search.queries))
	}
	if !outcome.Verdict.RequiresManualReview {
		t.Fatalf("expected manual review after persistent failure")
	}
	// With no evidence at all, the extractor backend is never consulted.
	if len(llm.prompts) != 0 {
		t.Fatalf("expected no extraction calls, got %d", len(llm.prompts))
	}
}

func TestResearchDocketFirst(t *testing.T) {
	search := &fakeSearch{}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://court.example/d1": "docket entries: verdict read on 2026-06-01",
	}}
	llm := &fakeLLM{responses: []string{verdictJSON("Verdict Reached", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "https://court.example/d1", 1, nil)

	if outcome.AttemptsUsed != 1 {
		t.Fatalf("expected 1 attempt, got %d", outcome.AttemptsUsed)
	}
	if len(search.queries) != 0 {
		t.Fatalf("docket success must not trigger web search, got %d searches", len(search.queries))
	}
	if outcome.Verdict.CaseStatus != StatusVerdictReached {
		t.Fatalf("expected VerdictReached, got %q", outcome.Verdict.CaseStatus)
	}
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "OFFICIAL DOCKET SOURCE") {
		t.Fatalf("extraction prompt missing docket evidence")
	}
}

func TestResearchDocketFailureFallsBackSameAttempt(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}}}
	fetch := &fakeFetcher{pages: map[string]string{
		// Docket URL absent: fetch fails, web result succeeds.
		"https://news.example/a": "case dismissed last week",
	}}
	llm := &fakeLLM{responses: []string{verdictJSON("Closed", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "https://court.example/dead", 1, nil)

	if outcome.AttemptsUsed != 1 {
		t.Fatalf("docket fallback must stay within one attempt, got %d", outcome.AttemptsUsed)
	}
	if len(search.queries) != 1 {
		t.Fatalf("expected fallback search, got %d", len(search.queries))
	}
	if search.queries[0] != "latest court hearing State v. Ames" {
		t.Fatalf("fallback must use the first-attempt query, got %q", search.queries[0])
	}
}

func TestResearchEvidenceAccumulatesAcrossAttempts(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}, {"https://news.example/b"}}}
	fetch := &fakeFetcher{pages: map[string]string{
		"https://news.example/a": "first round evidence",
		"https://news.example/b": "second round evidence",
	}}
	llm := &fakeLLM{responses: []string{verdictJSON("Open", "Unknown"), verdictJSON("Closed", "Unknown")}}

	r := newTestResearcher(search, fetch, llm, 2)
	r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if len(llm.prompts) != 2 {
		t.Fatalf("expected 2 extraction calls, got %d", len(llm.prompts))
	}
	second := llm.prompts[1]
	if !strings.Contains(second, "first round evidence") || !strings.Contains(second, "second round evidence") {
		t.Fatalf("second extraction must see all accumulated evidence")
	}
	if !strings.Contains(second, "--- Search Attempt 2 ---") {
		t.Fatalf("attempt separator missing from accumulated evidence")
	}
}

func TestResearchPastDateDemotedOnFinalVerdict(t *testing.T) {
	search := &fakeSearch{urls: [][]string{{"https://news.example/a"}}}
	fetch := &fakeFetcher{pages: map[string]string{"https://news.example/a": "old hearing report"}}
	llm := &fakeLLM{responses: []string{verdictJSON("Open", "2026-01-10")}}

	r := newTestResearcher(search, fetch, llm, 1)
	outcome := r.ResearchCase(context.Background(), "State v. Ames", "", 1, nil)

	if outcome.Verdict.NextHearingDate != Unknown {
		t.Fatalf("past hearing date not demoted: %q", outcome.Verdict.NextHearingDate)
	}
	if outcome.Verdict.LastHearingDate != "2026-01-10" {
		t.Fatalf("past hearing date not preserved as last hearing: %q", outcome.Verdict.LastHearingDate)
	}
	if !outcome.Verdict.RequiresManualReview {
		t.Fatalf("single-attempt past date should exhaust into manual review")
	}
}

func TestDecidePolicy(t *testing.T) {
	today := testToday

	v := Verdict{CaseStatus: StatusClosed, NextHearingDate: "2026-09-01"}
	if decide(&v, 1, 2, today) != decideStop {
		t.Fatalf("Closed must stop regardless of dates")
	}

	v = Verdict{CaseStatus: StatusVerdictReached}
	if decide(&v, 1, 2, today) != decideStop {
		t.Fatalf("VerdictReached must stop")
	}

	v = Verdict{CaseStatus: StatusOpen, NextHearingDate: "2026-08-25"}
	if decide(&v, 1, 2, today) != decideStop {
		t.Fatalf("today's hearing counts as future: must stop")
	}

	v = Verdict{CaseStatus: StatusOpen, NextHearingDate: "2026-01-10"}
	if decide(&v, 1, 2, today) != decideContinue {
		t.Fatalf("past date with attempts left must continue")
	}
	if v.NextHearingDate != Unknown || v.LastHearingDate != "2026-01-10" {
		t.Fatalf("past date not demoted: next=%q last=%q", v.NextHearingDate, v.LastHearingDate)
	}

	v = Verdict{CaseStatus: StatusOpen, NextHearingDate: Unknown, Notes: "Nothing found."}
	if decide(&v, 2, 2, today) != decideStop {
		t.Fatalf("exhausted attempts must stop")
	}
	if !v.RequiresManualReview {
		t.Fatalf("exhaustion must flag manual review")
	}
	if v.Notes != "Nothing found. [Max search attempts reached]" {
		t.Fatalf("unexpected exhaustion notes: %q", v.Notes)
	}
}
