// Package web serves comparison reports and accepts expectation edits.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"go.skia.org/rebaseline/go/httputils"
	"go.skia.org/rebaseline/go/metrics2"
	"go.skia.org/rebaseline/go/skerr"
	"go.skia.org/rebaseline/go/sklog"
	"go.skia.org/rebaseline/go/util"
	"go.skia.org/rebaseline/rebaseline/go/classifier"
	"go.skia.org/rebaseline/rebaseline/go/paircollection"
	"go.skia.org/rebaseline/rebaseline/go/types"
)

const (
	// Report types served by ResultsHandler.
	RESULTS_ALL      = "all"
	RESULTS_FAILURES = "failures"

	// IMG_PREFIX is where the files under the storage root are served.
	IMG_PREFIX = "/img/"

	// DEFAULT_REPORT_TIMEOUT bounds how long a report waits for pending diffs.
	DEFAULT_REPORT_TIMEOUT = 5 * time.Minute

	contentTypeHeader = "Content-Type"
	jsonContentType   = "application/json"

	contentTypeOptionsHeader = "X-Content-Type-Options"
	noSniffContent           = "nosniff"
)

// ExpectationsModifier writes reviewer edits back to where the expectations
// live.
type ExpectationsModifier interface {
	Modify(ctx context.Context, edits []types.Edit) error
}

// Server holds everything the handlers need. It is built once at startup and
// shared by all requests.
type Server struct {
	// Results is the comparison being served.
	Results *classifier.Results

	// StorageRoot of the DiffCache, served under IMG_PREFIX. May be empty.
	StorageRoot string

	// Expectations receives edits. If nil, edits are rejected.
	Expectations ExpectationsModifier

	// ReportTimeout bounds how long a report waits for pending diffs. Zero
	// selects DEFAULT_REPORT_TIMEOUT.
	ReportTimeout time.Duration

	editsApplied metrics2.Counter
}

// NewServer returns a Server for the given results.
func NewServer(results *classifier.Results, storageRoot string, exp ExpectationsModifier, reportTimeout time.Duration) *Server {
	if reportTimeout <= 0 {
		reportTimeout = DEFAULT_REPORT_TIMEOUT
	}
	return &Server{
		Results:       results,
		StorageRoot:   storageRoot,
		Expectations:  exp,
		ReportTimeout: reportTimeout,
		editsApplied:  metrics2.GetCounter("rebaseline_edits_applied"),
	}
}

// AddHandlers registers the routes of the server on r.
func (s *Server) AddHandlers(r chi.Router) {
	r.Get("/json/results/{type}", s.ResultsHandler)
	r.Get("/json/summary", s.SummaryHandler)
	r.Post("/json/edits", s.EditsHandler)
	r.HandleFunc("/healthz", httputils.ReadyHandleFunc)
	if s.StorageRoot != "" {
		r.Handle(IMG_PREFIX+"*", http.StripPrefix(IMG_PREFIX, http.FileServer(http.Dir(s.StorageRoot))))
	}
}

// Handler returns the complete handler of the server, with request logging
// and gzip. Reports may be fetched by viewers served from other origins.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.AddHandlers(r)
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return httputils.LoggingGzipRequestResponse(corsWrapper.Handler(r))
}

func (s *Server) collection(kind string) *paircollection.PairCollection {
	switch kind {
	case RESULTS_ALL:
		return s.Results.All
	case RESULTS_FAILURES:
		return s.Results.Failures
	}
	return nil
}

// ResultsHandler serves the report of one collection, "all" or "failures".
// It waits for the pending diffs of the collection, up to ReportTimeout.
func (s *Server) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "type")
	c := s.collection(kind)
	if c == nil {
		httputils.ReportError(w, skerr.Fmt("unknown results type %q", kind), "Results type must be \"all\" or \"failures\".", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.ReportTimeout)
	defer cancel()
	report, err := c.ToReport(ctx, nil)
	if err != nil {
		httputils.ReportError(w, err, "Failed to build report.", http.StatusInternalServerError)
		return
	}
	sendJSONResponse(w, report)
}

// SummaryResponse is returned by SummaryHandler.
type SummaryResponse struct {
	All      map[types.ResultType]int `json:"all"`
	Failures map[types.ResultType]int `json:"failures"`
	Skipped  int                      `json:"skipped"`
	Warnings []string                 `json:"warnings"`
}

// SummaryHandler serves the counts per ResultType and the warnings of the
// comparison. It does not wait for diffs.
func (s *Server) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	warnings := s.Results.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	sendJSONResponse(w, SummaryResponse{
		All:      s.Results.All.Summary(),
		Failures: s.Results.Failures.Summary(),
		Skipped:  len(s.Results.Skipped),
		Warnings: warnings,
	})
}

// EditsRequest is the body accepted by EditsHandler.
type EditsRequest struct {
	Edits []types.Edit `json:"edits"`
}

// EditsHandler passes expectation edits to the ExpectationsModifier.
func (s *Server) EditsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Expectations == nil {
		httputils.ReportError(w, skerr.Fmt("no expectations modifier"), "This server does not accept edits.", http.StatusNotImplemented)
		return
	}
	req := EditsRequest{}
	if err := parseJSON(r, &req); err != nil {
		httputils.ReportError(w, err, "Failed to parse edits.", http.StatusBadRequest)
		return
	}
	if len(req.Edits) == 0 {
		httputils.ReportError(w, skerr.Fmt("empty edit list"), "At least one edit is required.", http.StatusBadRequest)
		return
	}
	for _, e := range req.Edits {
		if e.Test == "" || e.Config == "" || e.Expected.HashType == "" {
			httputils.ReportError(w, skerr.Fmt("invalid edit %+v", e), "Every edit needs a test, a config and an expected checksum.", http.StatusBadRequest)
			return
		}
	}
	if err := s.Expectations.Modify(r.Context(), req.Edits); err != nil {
		httputils.ReportError(w, err, "Failed to store edits.", http.StatusInternalServerError)
		return
	}
	s.editsApplied.Inc(int64(len(req.Edits)))
	sendJSONResponse(w, map[string]int{"applied": len(req.Edits)})
}

// sendJSONResponse serializes resp to JSON. If an error occurs a text based
// error code is sent to the client.
func sendJSONResponse(w http.ResponseWriter, resp interface{}) {
	h := w.Header()
	h.Set(contentTypeHeader, jsonContentType)
	h.Set(contentTypeOptionsHeader, noSniffContent)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

// parseJSON extracts the body from the request and parses it into v.
func parseJSON(r *http.Request, v interface{}) error {
	defer util.Close(r.Body)
	return json.NewDecoder(r.Body).Decode(v)
}
