package plans

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/generichttp"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/trajectory"
)

var statusOf = generichttp.StatusMapper{
	ErrNoFlyer:                       http.StatusNotImplemented,
	ErrNoPoints:                      http.StatusBadRequest,
	trajectory.ErrInvalidParameter:   http.StatusBadRequest,
	flyscan.ErrInvalidParams:         http.StatusBadRequest,
	motion.ErrUnknownAxis:            http.StatusBadRequest,
	motion.ErrLimit:                  http.StatusBadRequest,
	flyscan.ErrScanAlreadyInProgress: http.StatusConflict,
	flyscan.ErrInvalidState:          http.StatusConflict,
	flyscan.ErrKickoffAborted:        http.StatusConflict,
	motion.ErrMoveTimeout:            http.StatusGatewayTimeout,
	flyscan.ErrMotionStartTimeout:    http.StatusGatewayTimeout,
	context.DeadlineExceeded:         http.StatusGatewayTimeout,
}

// HTTPRunner runs plans over HTTP.  Each request blocks until its plan ends
// and responds with the records.
type HTTPRunner struct {
	Runner

	RouteTable generichttp.RouteTable
}

// NewHTTPRunner returns a new HTTP wrapper with the route table pre-configured
func NewHTTPRunner(r Runner) HTTPRunner {
	h := HTTPRunner{Runner: r}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/step"}:   h.PostStep,
		{Method: http.MethodPost, Path: "/spiral"}: h.PostSpiral,
		{Method: http.MethodPost, Path: "/fermat"}: h.PostFermat,
		{Method: http.MethodPost, Path: "/rings"}:  h.PostRings,
		{Method: http.MethodPost, Path: "/fly"}:    h.PostFly,
		{Method: http.MethodPost, Path: "/batch"}:  h.PostBatch,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPRunner) RT() generichttp.RouteTable {
	return h.RouteTable
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, v)
}

// PostStep runs a StepScan decoded over DefaultStepScan
func (h HTTPRunner) PostStep(w http.ResponseWriter, r *http.Request) {
	s := DefaultStepScan()
	if !decode(w, r, &s) {
		return
	}
	recs, err := h.StepScan(r.Context(), s)
	respond(w, recs, err)
}

// PostSpiral runs a FermatSpiralStepScan decoded over
// DefaultFermatSpiralStepScan
func (h HTTPRunner) PostSpiral(w http.ResponseWriter, r *http.Request) {
	s := DefaultFermatSpiralStepScan()
	if !decode(w, r, &s) {
		return
	}
	recs, err := h.FermatSpiralStepScan(r.Context(), s)
	respond(w, recs, err)
}

// PostFermat runs a TiltedFermatStepScan decoded over its defaults
func (h HTTPRunner) PostFermat(w http.ResponseWriter, r *http.Request) {
	s := DefaultTiltedFermatStepScan()
	if !decode(w, r, &s) {
		return
	}
	recs, err := h.TiltedFermatStepScan(r.Context(), s)
	respond(w, recs, err)
}

// PostRings runs a RingSpiralStepScan decoded over its defaults
func (h HTTPRunner) PostRings(w http.ResponseWriter, r *http.Request) {
	s := DefaultRingSpiralStepScan()
	if !decode(w, r, &s) {
		return
	}
	recs, err := h.RingSpiralStepScan(r.Context(), s)
	respond(w, recs, err)
}

// PostFly runs one fly scan with Params decoded over the defaults
func (h HTTPRunner) PostFly(w http.ResponseWriter, r *http.Request) {
	p := flyscan.DefaultParams()
	if !decode(w, r, &p) {
		return
	}
	recs, err := h.FlyScan2d(r.Context(), p)
	respond(w, recs, err)
}

// PostBatch runs a list of fly scans, each decoded over the defaults
func (h HTTPRunner) PostBatch(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if !decode(w, r, &raw) {
		return
	}
	scans := make([]flyscan.Params, len(raw))
	for i, b := range raw {
		scans[i] = flyscan.DefaultParams()
		if err := json.Unmarshal(b, &scans[i]); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	recs, err := h.BatchFly2d(r.Context(), scans)
	respond(w, recs, err)
}
