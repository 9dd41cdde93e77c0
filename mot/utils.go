package mot

// IoU calculates Intersection over Union between two rectangles.
// Degenerate rectangles (zero or negative size) never overlap anything.
func IoU(r1, r2 Rectangle) float64 {
	if !r1.Valid() || !r2.Valid() {
		return 0.0
	}
	xA := maxFloat64(r1.X, r2.X)
	yA := maxFloat64(r1.Y, r2.Y)
	xB := minFloat64(r1.X+r1.Width, r2.X+r2.Width)
	yB := minFloat64(r1.Y+r1.Height, r2.Y+r2.Height)

	interArea := maxFloat64(0, xB-xA) * maxFloat64(0, yB-yA)
	if interArea == 0 {
		return 0.0
	}

	unionArea := r1.Area() + r2.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}
	return clampFloat64(interArea/unionArea, 0, 1)
}

// IoUCost is the association cost between two boxes: 1 - IoU, clipped to [0, 1].
func IoUCost(r1, r2 Rectangle) float64 {
	return iouCost(IoU(r1, r2))
}

func iouCost(iouVal float64) float64 {
	return clampFloat64(1.0-iouVal, 0, 1)
}

func clampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
