package flyscan

import (
	"context"
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"github.com/aps-velociprobe/golaborate/generichttp"
	"github.com/aps-velociprobe/golaborate/util"
)

var statusOf = generichttp.StatusMapper{
	ErrInvalidParams:         http.StatusBadRequest,
	ErrScanAlreadyInProgress: http.StatusConflict,
	ErrInvalidState:          http.StatusConflict,
	ErrKickoffAborted:        http.StatusConflict,
	ErrPrematureCollect:      http.StatusConflict,
	ErrMotionStartTimeout:    http.StatusGatewayTimeout,
	context.DeadlineExceeded: http.StatusGatewayTimeout,
}

// HTTPFlyer wraps a Flyer with HTTP
type HTTPFlyer struct {
	*Flyer

	RouteTable generichttp.RouteTable
}

// NewHTTPFlyer returns a new HTTP wrapper with the route table pre-configured
func NewHTTPFlyer(f *Flyer) HTTPFlyer {
	h := HTTPFlyer{Flyer: f}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/state"}:      h.GetState,
		{Method: http.MethodPost, Path: "/configure"}: h.PostConfigure,
		{Method: http.MethodPost, Path: "/kickoff"}:   h.PostKickoff,
		{Method: http.MethodPost, Path: "/complete"}:  h.PostComplete,
		{Method: http.MethodGet, Path: "/collect"}:    h.GetCollect,
		{Method: http.MethodGet, Path: "/describe"}:   h.GetDescribe,
		{Method: http.MethodPost, Path: "/abort"}:     h.PostAbort,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPFlyer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetState returns the coordinator state as a string
func (h HTTPFlyer) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.State().String()}
	hp.EncodeAndRespond(w, r)
}

// PostConfigure decodes Params over the defaults and configures the scan
func (h HTTPFlyer) PostConfigure(w http.ResponseWriter, r *http.Request) {
	p := DefaultParams()
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Configure(r.Context(), p); err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, h.Plan())
}

// PostKickoff starts the scan
func (h HTTPFlyer) PostKickoff(w http.ResponseWriter, r *http.Request) {
	if err := h.Kickoff(r.Context()); err != nil {
		statusOf.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostComplete waits for the scan to finish.  The optional timeout query
// parameter is a duration such as 90s, or a bare number of seconds.
func (h HTTPFlyer) PostComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := parseTimeout(t)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := h.Complete(ctx); err != nil {
		statusOf.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetCollect returns the summary records of a completed scan
func (h HTTPFlyer) GetCollect(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Collect()
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, recs)
}

// GetDescribe returns the record field schema
func (h HTTPFlyer) GetDescribe(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.DescribeCollect())
}

// PostAbort drops the scan and returns to Idle
func (h HTTPFlyer) PostAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.Abort(); err != nil {
		statusOf.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseTimeout(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || !(secs > 0) {
		return 0, fmt.Errorf("timeout %q is neither a duration nor a positive number of seconds", s)
	}
	return util.SecsToDuration(secs), nil
}
