package trajectory

import (
	"encoding/json"
	"net/http"

	"github.com/aps-velociprobe/golaborate/generichttp"
	"github.com/astrogo/fitsio"
)

// SpiralRequest is the body of a POST to /spiral
type SpiralRequest struct {
	SpiralScan

	// CenterX and CenterY shift the trajectory onto the sample
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
}

// SpiralResponse is returned from /spiral
type SpiralResponse struct {
	Points []Point `json:"points"`
	Length float64 `json:"length"`
}

type windowResponse struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Count int     `json:"count"`
}

type gridRequest struct {
	Outer Window `json:"outer"`
	Inner Window `json:"inner"`
	Snake bool   `json:"snake"`
}

var statusOf = generichttp.StatusMapper{ErrInvalidParameter: http.StatusBadRequest}

// HTTPTrajectory serves trajectory previews over HTTP
type HTTPTrajectory struct {
	RouteTable generichttp.RouteTable
}

// NewHTTPTrajectory returns a new HTTP wrapper with the route table pre-configured
func NewHTTPTrajectory() HTTPTrajectory {
	h := HTTPTrajectory{}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/spiral"}: Spiral,
		{Method: http.MethodPost, Path: "/window"}: UncenterWindow,
		{Method: http.MethodPost, Path: "/grid"}:   GridPoints,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPTrajectory) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Spiral generates and orders a spiral.  With ?format=fits the points are
// streamed as a FITS file instead of JSON.
func Spiral(w http.ResponseWriter, r *http.Request) {
	req := SpiralRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pts, err := req.Points()
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	pts = Offset(pts, req.CenterX, req.CenterY)
	if r.URL.Query().Get("format") == "fits" {
		w.Header().Set("Content-Type", "image/fits")
		w.Header().Set("Content-Disposition", "attachment; filename=trajectory.fits")
		meta := []fitsio.Card{
			{Name: "ORDER", Value: string(req.Order)},
			{Name: "DR", Value: req.Dr},
			{Name: "FACTOR", Value: req.Factor},
		}
		err = WriteFits(w, meta, pts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	resp := SpiralResponse{Points: pts}
	if len(pts) > 1 {
		resp.Length, _ = PathLength(pts)
	}
	generichttp.RespondJSON(w, resp)
}

// UncenterWindow converts a posted Window to start, stop, count
func UncenterWindow(w http.ResponseWriter, r *http.Request) {
	win := Window{}
	err := json.NewDecoder(r.Body).Decode(&win)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, stop, count, err := win.Uncenter()
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, windowResponse{Start: start, Stop: stop, Count: count})
}

// GridPoints lays out a raster from posted outer and inner windows
func GridPoints(w http.ResponseWriter, r *http.Request) {
	req := gridRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pts, err := Grid(req.Outer, req.Inner, req.Snake)
	if err != nil {
		statusOf.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, pts)
}
