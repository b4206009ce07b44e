package journal

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/aps-velociprobe/golaborate/generichttp"
)

var statusOf = generichttp.StatusMapper{ErrNotFound: http.StatusNotFound}

// HTTPJournal wraps a DB with HTTP
type HTTPJournal struct {
	*DB

	RouteTable generichttp.RouteTable
}

// NewHTTPJournal returns a new HTTP wrapper with the route table pre-configured
func NewHTTPJournal(db *DB) HTTPJournal {
	h := HTTPJournal{DB: db}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/runs"}:      h.GetRuns,
		{Method: http.MethodGet, Path: "/runs/{id}"}: h.GetRunByID,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPJournal) RT() generichttp.RouteTable {
	return h.RouteTable
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// GetRuns lists runs, paginated by the limit and offset query parameters
func (h HTTPJournal) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := h.ListRuns(limit, offset)
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	generichttp.RespondJSON(w, runs)
}

// GetRunByID returns one run with its records
func (h HTTPJournal) GetRunByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := h.GetRun(id)
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, run)
}
