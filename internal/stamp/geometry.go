package stamp

import "math"

// Box is a rectangle. In request space the origin is top-left with y growing
// down; in page space the origin is bottom-left with y growing up.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Space is the size of a coordinate space.
type Space struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s Space) valid() bool {
	return s.Width > 0 && s.Height > 0 && !math.IsInf(s.Width, 0) && !math.IsInf(s.Height, 0)
}

// Resolve maps a top-left-origin box drawn on canvas onto page space and
// clamps it inside the page. A nil or empty canvas means the request was made
// in page units, so only the vertical flip applies.
//
// The result stays inside the page whenever the scaled box fits on it.
func Resolve(box Box, canvas *Space, page Space) Box {
	ref := page
	if canvas != nil && canvas.valid() {
		ref = *canvas
	}
	sx := page.Width / ref.Width
	sy := page.Height / ref.Height

	out := Box{
		X:      box.X * sx,
		Y:      (ref.Height - box.Y - box.Height) * sy,
		Width:  box.Width * sx,
		Height: box.Height * sy,
	}
	out.X = clamp(out.X, 0, page.Width-out.Width)
	out.Y = clamp(out.Y, 0, page.Height-out.Height)
	return out
}

// Fits reports whether b lies inside page.
func Fits(b Box, page Space) bool {
	const eps = 1e-9
	return b.X >= 0 && b.Y >= 0 &&
		b.X+b.Width <= page.Width+eps &&
		b.Y+b.Height <= page.Height+eps
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
