// Package geometry converts field rectangles between page-relative fractions
// and pixels. Persisted geometry is always the fraction form; display scale is
// applied by the caller and never stored.
package geometry

import (
	"fmt"
	"math"
)

// Precision is the number of decimal places kept on persisted fractions.
const Precision = 4

// Rect is a page-relative rectangle, every component in [0,1].
type Rect struct {
	X      float64 `json:"x_pct" validate:"gte=0,lte=1"`
	Y      float64 `json:"y_pct" validate:"gte=0,lte=1"`
	Width  float64 `json:"width_pct" validate:"gte=0,lte=1"`
	Height float64 `json:"height_pct" validate:"gte=0,lte=1"`
}

// PixelRect is a rectangle in logical page pixels.
type PixelRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ToPixels maps a fractional rect onto a page of the given logical size.
func ToPixels(r Rect, pageW, pageH float64) PixelRect {
	return PixelRect{
		X:      r.X * pageW,
		Y:      r.Y * pageH,
		Width:  r.Width * pageW,
		Height: r.Height * pageH,
	}
}

// ToPercent is the inverse of ToPixels. Each axis is clamped to [0,1] and
// rounded so repeated drag/resize gestures do not accumulate drift.
func ToPercent(p PixelRect, pageW, pageH float64) (Rect, error) {
	if err := checkPage(pageW, pageH); err != nil {
		return Rect{}, err
	}
	return Rect{
		X:      normalize(p.X / pageW),
		Y:      normalize(p.Y / pageH),
		Width:  normalize(p.Width / pageW),
		Height: normalize(p.Height / pageH),
	}, nil
}

// FromViewport converts a rect measured on screen at the given display scale.
// It is meant to be called once when a gesture completes.
func FromViewport(view PixelRect, pageW, pageH, scale float64) (Rect, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return Rect{}, fmt.Errorf("scale must be positive, got %v", scale)
	}
	logical := PixelRect{
		X:      view.X / scale,
		Y:      view.Y / scale,
		Width:  view.Width / scale,
		Height: view.Height / scale,
	}
	return ToPercent(logical, pageW, pageH)
}

// ToViewport is ToPixels followed by the display scale.
func ToViewport(r Rect, pageW, pageH, scale float64) PixelRect {
	p := ToPixels(r, pageW, pageH)
	return PixelRect{X: p.X * scale, Y: p.Y * scale, Width: p.Width * scale, Height: p.Height * scale}
}

// FitsPage reports whether the rect stays inside the page.
func (r Rect) FitsPage() bool {
	const eps = 1e-9
	return r.X+r.Width <= 1+eps && r.Y+r.Height <= 1+eps
}

// Round rounds every component to Precision decimals and clamps it.
func (r Rect) Round() Rect {
	return Rect{X: normalize(r.X), Y: normalize(r.Y), Width: normalize(r.Width), Height: normalize(r.Height)}
}

func checkPage(pageW, pageH float64) error {
	if pageW <= 0 || pageH <= 0 || math.IsNaN(pageW) || math.IsNaN(pageH) || math.IsInf(pageW, 0) || math.IsInf(pageH, 0) {
		return fmt.Errorf("page size must be positive, got %vx%v", pageW, pageH)
	}
	return nil
}

func normalize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, math.Min(1, v))
	scale := math.Pow(10, Precision)
	return math.Round(v*scale) / scale
}
