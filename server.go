package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Server is the HTTP surface over the case store and the job manager.
type Server struct {
	db     *sql.DB
	jobs   *JobManager
	triage *TriageScheduler
	mux    *http.ServeMux
}

func NewServer(db *sql.DB, jobs *JobManager, triage *TriageScheduler) *Server {
	s := &Server{db: db, jobs: jobs, triage: triage, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/cases", s.handleListCases)
	s.mux.HandleFunc("GET /api/cases/upcoming", s.handleUpcomingHearings)
	s.mux.HandleFunc("POST /api/cases", s.handleCreateCase)
	s.mux.HandleFunc("GET /api/cases/{id}", s.handleGetCase)
	s.mux.HandleFunc("PATCH /api/cases/{id}", s.handleUpdateCase)
	s.mux.HandleFunc("DELETE /api/cases/{id}", s.handleDeleteCase)
	s.mux.HandleFunc("POST /api/cases/{id}/research", s.handleTriggerResearch)
	s.mux.HandleFunc("GET /api/cases/{id}/progress", s.handleProgress)
	s.mux.HandleFunc("POST /api/research/all", s.handleTriggerAll)
	s.mux.HandleFunc("POST /api/triage/run", s.handleRunTriage)
	s.mux.HandleFunc("POST /api/import", s.handleImportCSV)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("http listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) caseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid case id")
		return 0, false
	}
	return id, true
}

// caseJSON is the wire shape of a case record.
type caseJSON struct {
	ID               int64  `json:"id"`
	CaseName         string `json:"case_name"`
	DocketURL        string `json:"docket_url,omitempty"`
	Status           string `json:"status"`
	NextHearingDate  string `json:"next_hearing_date,omitempty"`
	LastHearingDate  string `json:"last_hearing_date,omitempty"`
	LastChecked      string `json:"last_checked,omitempty"`
	Confidence       string `json:"confidence"`
	Notes            string `json:"notes,omitempty"`
	VictimName       string `json:"victim_name,omitempty"`
	SuspectName      string `json:"suspect_name,omitempty"`
	ProcessingStatus string `json:"processing_status"`
	ProgressPercent  int    `json:"progress_percent"`
	ProgressMessage  string `json:"progress_message,omitempty"`
}

func toCaseJSON(c CaseRecord) caseJSON {
	out := caseJSON{
		ID:               c.ID,
		CaseName:         c.Name,
		DocketURL:        c.DocketURL,
		Status:           c.Status,
		NextHearingDate:  c.NextHearing,
		LastHearingDate:  c.LastHearing,
		Confidence:       c.Confidence,
		Notes:            c.Notes,
		VictimName:       c.VictimName,
		SuspectName:      c.SuspectName,
		ProcessingStatus: c.ProcessingStatus,
		ProgressPercent:  c.ProgressPercent,
		ProgressMessage:  c.ProgressMessage,
	}
	if !c.LastChecked.IsZero() {
		out.LastChecked = c.LastChecked.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	var (
		cases []CaseRecord
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		cases, err = GetCasesByStatus(s.db, strings.Split(status, ",")...)
	} else {
		cases, err = GetAllCases(s.db)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]caseJSON, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpcomingHearings(w http.ResponseWriter, r *http.Request) {
	days := digestHearingDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}
	cases, err := GetUpcomingHearings(s.db, time.Now(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]caseJSON, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type caseCreateRequest struct {
	CaseName    string `json:"case_name"`
	DocketURL   string `json:"docket_url"`
	VictimName  string `json:"victim_name"`
	SuspectName string `json:"suspect_name"`
	Notes       string `json:"notes"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req caseCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CaseName) == "" {
		writeError(w, http.StatusBadRequest, "case_name is required")
		return
	}

	id, err := InsertCase(s.db, CaseRecord{
		Name:        strings.TrimSpace(req.CaseName),
		DocketURL:   strings.TrimSpace(req.DocketURL),
		VictimName:  req.VictimName,
		SuspectName: req.SuspectName,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	c, err := GetCaseByID(s.db, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toCaseJSON(c))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	c, err := GetCaseByID(s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toCaseJSON(c))
}

// updatableCaseFields maps JSON keys clients may patch to their columns.
var updatableCaseFields = map[string]string{
	"case_name":         "case_name",
	"docket_url":        "docket_url",
	"status":            "status",
	"next_hearing_date": "next_hearing_date",
	"last_hearing_date": "last_hearing_date",
	"notes":             "notes",
	"victim_name":       "victim_name",
	"suspect_name":      "suspect_name",
	"confidence":        "confidence",
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fields := map[string]any{}
	for key, value := range body {
		column, allowed := updatableCaseFields[key]
		if !allowed {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("field %q is not updatable", key))
			return
		}
		str, isStr := value.(string)
		if !isStr {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("field %q must be a string", key))
			return
		}
		if key == "status" {
			str = normalizeCaseStatus(str)
		}
		if key == "next_hearing_date" || key == "last_hearing_date" {
			str = cleanDate(str)
		}
		fields[column] = str
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no updatable fields in body")
		return
	}

	if err := UpdateCaseFields(s.db, id, fields); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "case not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	c, err := GetCaseByID(s.db, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toCaseJSON(c))
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	if err := DeleteCaseByID(s.db, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerResearch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	if _, err := GetCaseByID(s.db, id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}

	err := s.jobs.TriggerCase(id)
	if errors.Is(err, ErrCaseBusy) {
		writeError(w, http.StatusConflict, "research already in progress for this case")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"case_id": id, "status": "queued"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caseID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.GetProgress(id))
}

// handleTriggerAll queues research for every case that is not closed out.
// Busy cases are skipped, not errors.
func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	cases, err := GetCasesByStatus(s.db, StatusOpen, StatusPending, StatusUnknown)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queued, busy := 0, 0
	for _, c := range cases {
		switch err := s.jobs.TriggerCase(c.ID); {
		case err == nil:
			queued++
		case errors.Is(err, ErrCaseBusy):
			busy++
		default:
			log.Printf("http trigger-all case=%d: %v", c.ID, err)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued, "busy": busy})
}

func (s *Server) handleRunTriage(w http.ResponseWriter, r *http.Request) {
	// Detached: the sweep must outlive this request.
	go s.triage.RunSweep(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triage started"})
}

// handleImportCSV bulk-loads cases from a CSV body. Expected header:
// case_name,docket_url,victim_name,suspect_name. Imported records are seeded
// with a note that marks them for a first research run.
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	reader := csv.NewReader(r.Body)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		writeError(w, http.StatusBadRequest, "empty or unreadable CSV")
		return
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	nameIdx, ok := col["case_name"]
	if !ok {
		writeError(w, http.StatusBadRequest, "CSV must have a case_name column")
		return
	}
	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	imported, skipped := 0, 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("reading CSV: %v", err))
			return
		}
		name := strings.TrimSpace(row[nameIdx])
		if name == "" {
			skipped++
			continue
		}
		_, err = InsertCase(s.db, CaseRecord{
			Name:        name,
			DocketURL:   field(row, "docket_url"),
			VictimName:  field(row, "victim_name"),
			SuspectName: field(row, "suspect_name"),
			Notes:       "Imported " + time.Now().Format("2006-01-02"),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		imported++
	}
	log.Printf("http import imported=%d skipped=%d", imported, skipped)
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}
