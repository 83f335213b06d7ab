package series

// Stride returns the sampling step Thin uses for n points and a limit of
// maxPoints: ceil(n/maxPoints), and 1 when no thinning is needed.
func Stride(n, maxPoints int) int {
	if maxPoints <= 0 || n <= maxPoints {
		return 1
	}
	return (n + maxPoints - 1) / maxPoints
}

// Thin reduces a series to at most maxPoints by keeping every Stride-th
// point, counted back from the newest so the final point is always kept.
// Inputs at or under the limit are returned unchanged.
func Thin[X, Y any](xs []X, ys []Y, maxPoints int) ([]X, []Y) {
	idx := ThinIndex(len(xs), maxPoints)
	if idx == nil {
		return xs, ys
	}
	outX := make([]X, len(idx))
	outY := make([]Y, len(idx))
	for i, j := range idx {
		outX[i] = xs[j]
		outY[i] = ys[j]
	}
	return outX, outY
}

// ThinIndex returns the ascending positions Thin keeps out of n, or nil when
// all n are kept.
func ThinIndex(n, maxPoints int) []int {
	step := Stride(n, maxPoints)
	if step == 1 {
		return nil
	}
	count := (n + step - 1) / step
	idx := make([]int, count)
	for i, j := count-1, n-1; i >= 0; i, j = i-1, j-step {
		idx[i] = j
	}
	return idx
}
