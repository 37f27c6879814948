package scaler

import (
	"fmt"
	"image"
)

// Size is a buffer dimension in pixels.
type Size struct {
	Width  int
	Height int
}

// Bounds returns the rectangle covering a buffer of this size.
func (s Size) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

// Empty reports whether either dimension is not positive.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ClampRect truncates r so it lies fully inside a buffer of the given size.
// Each axis is adjusted independently. It reports false when r is empty or
// does not overlap the buffer at all.
func ClampRect(r image.Rectangle, bounds Size) (image.Rectangle, bool) {
	if bounds.Empty() || r.Empty() {
		return image.Rectangle{}, false
	}

	clamped := r.Intersect(bounds.Bounds())
	if clamped.Empty() {
		return image.Rectangle{}, false
	}
	return clamped, true
}

// ParseRect parses "x,y,w,h" into a rectangle.
func ParseRect(s string) (image.Rectangle, error) {
	var x, y, w, h int
	if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &x, &y, &w, &h); err != nil {
		return image.Rectangle{}, fmt.Errorf("%w: rectangle %q: want x,y,w,h", ErrInvalidArgument, s)
	}
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: rectangle %q: width and height must be positive", ErrInvalidArgument, s)
	}
	return image.Rect(x, y, x+w, y+h), nil
}
