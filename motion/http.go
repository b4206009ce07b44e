package motion

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/aps-velociprobe/golaborate/generichttp"
)

var statusOf = generichttp.StatusMapper{
	ErrUnknownAxis: http.StatusNotFound,
	ErrLimit:       http.StatusBadRequest,
	ErrMoveTimeout: http.StatusGatewayTimeout,
}

// HTTPMotors wraps Motors with HTTP
type HTTPMotors struct {
	*Motors

	RouteTable generichttp.RouteTable
}

// NewHTTPMotors returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotors(m *Motors) HTTPMotors {
	h := HTTPMotors{Motors: m}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/axes"}:               h.GetAxes,
		{Method: http.MethodGet, Path: "/axis/{axis}/pos"}:    GetPos(m),
		{Method: http.MethodPost, Path: "/axis/{axis}/pos"}:   SetPos(m),
		{Method: http.MethodGet, Path: "/axis/{axis}/limits"}: h.GetLimits,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPMotors) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetAxes lists the axis names
func (h HTTPMotors) GetAxes(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Names())
}

// GetLimits returns the software limits of an axis
func (h HTTPMotors) GetLimits(w http.ResponseWriter, r *http.Request) {
	lim, err := h.Limits(chi.URLParam(r, "axis"))
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, lim)
}

// GetPos returns an HTTP handler func from a mover that gets the position of an axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, err := m.GetPos(chi.URLParam(r, "axis"))
		if err != nil {
			statusOf.Error(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move on an axis based on the relative query parameter
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		relative := r.URL.Query().Get("relative")
		if relative == "" {
			relative = "false"
		}
		rel, err := strconv.ParseBool(relative)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rel {
			err = m.MoveRel(axis, f.F64)
		} else {
			err = m.MoveAbs(axis, f.F64)
		}
		if err != nil {
			statusOf.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
