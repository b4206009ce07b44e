package trajectory

import (
	"errors"
	"math"
	"testing"
)

func TestFermatFieldStaysInside(t *testing.T) {
	f := Field{XWidth: 4, YWidth: 2, Dr: 0.2}
	pts, err := FermatField(f, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) < 40 {
		t.Fatalf("only %d points", len(pts))
	}
	for i, p := range pts {
		if math.Abs(p.X) > 2+tol || math.Abs(p.Y) > 1+tol {
			t.Fatalf("point %d %+v outside the field", i, p)
		}
	}
	if r := math.Hypot(pts[0].X, pts[0].Y); !approxEqual(r, 0.2, tol) {
		t.Errorf("first radius %v, expected dr", r)
	}
	dense, err := FermatField(f, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(dense) < 3*len(pts) {
		t.Errorf("factor 2 gave %d points against %d", len(dense), len(pts))
	}
}

func TestFermatFieldAspect(t *testing.T) {
	pts, err := FermatField(Field{XWidth: 2, YWidth: 4, Dr: 0.1, DrY: 0.2}, 1)
	if err != nil {
		t.Fatal(err)
	}
	var maxY float64
	for _, p := range pts {
		maxY = math.Max(maxY, math.Abs(p.Y))
		if math.Abs(p.Y) > 2+tol {
			t.Fatalf("%+v outside the field", p)
		}
	}
	if maxY < 1.5 {
		t.Errorf("y reaches only %v of 2; aspect not applied", maxY)
	}
}

func TestFieldTiltShears(t *testing.T) {
	f := Field{XWidth: 2, YWidth: 2, Dr: 0.1, Tilt: math.Pi / 6}
	pts, err := FermatField(f, 1)
	if err != nil {
		t.Fatal(err)
	}
	sh := math.Tan(f.Tilt)
	outside := 0
	for _, p := range pts {
		if math.Abs(p.X+p.Y*sh) > 1+tol || math.Abs(p.Y) > 1+tol {
			t.Fatalf("%+v outside the sheared field", p)
		}
		if math.Abs(p.X) > 1 {
			outside++
		}
	}
	if outside == 0 {
		t.Error("tilt left every point inside the square")
	}
}

func TestArchimedeanRings(t *testing.T) {
	pts, err := Archimedean(Field{XWidth: 10, YWidth: 10, Dr: 1}, 6)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if r := math.Hypot(pts[i].X, pts[i].Y); !approxEqual(r, 1, tol) {
			t.Errorf("point %d radius %v, expected the first ring", i, r)
		}
	}
	if !approxEqual(pts[0].X, 1, tol) || !approxEqual(pts[0].Y, 0, tol) {
		t.Errorf("first point %+v, expected (1, 0)", pts[0])
	}
	// rings 1 to 4 sit wholly inside the 5 wide half field
	if r := math.Hypot(pts[59].X, pts[59].Y); !approxEqual(r, 4, tol) {
		t.Errorf("point 59 radius %v, expected 4", r)
	}
	prev := 0.
	for i, p := range pts {
		r := math.Hypot(p.X, p.Y)
		if r < prev-tol {
			t.Fatalf("point %d steps inward", i)
		}
		prev = r
		if math.Abs(p.X) > 5+tol || math.Abs(p.Y) > 5+tol {
			t.Fatalf("%+v outside the field", p)
		}
	}
}

func TestFieldRejectsBadInput(t *testing.T) {
	good := Field{XWidth: 1, YWidth: 1, Dr: 0.1}
	bad := []Field{
		{XWidth: 1, YWidth: 1},
		{XWidth: 1, YWidth: 1, Dr: 0.1, DrY: -1},
		{Dr: 0.1},
		{XWidth: 1, YWidth: 1, Dr: 0.1, Tilt: math.Pi / 2},
		{XWidth: math.NaN(), YWidth: 1, Dr: 0.1},
	}
	for i, f := range bad {
		if _, err := FermatField(f, 1); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("case %d fermat: expected ErrInvalidParameter, got %v", i, err)
		}
		if _, err := Archimedean(f, 4); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("case %d rings: expected ErrInvalidParameter, got %v", i, err)
		}
	}
	if _, err := Archimedean(good, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("n_theta 0: %v", err)
	}
	if _, err := FermatField(good, -1); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("negative factor: %v", err)
	}
}
