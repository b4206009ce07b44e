package trajectory

import (
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFits streams a trajectory to w as a FITS file holding a single 2 x N
// float64 image, (x, y) pairs along the fast axis
func WriteFits(w io.Writer, metadata []fitsio.Card, pts []Point) error {
	if len(pts) == 0 {
		return invalid("no points to write")
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{2, len(pts)})
	defer im.Close()
	metadata = append(metadata, fitsio.Card{Name: "NPOINTS", Value: len(pts), Comment: "number of trajectory points"})
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	buf := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		buf = append(buf, p.X, p.Y)
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
