package frames

// Plan returns the sample timestamps (seconds) for a video of the given
// duration: every second for the first minute, every 2 seconds until
// minute five, then every 5 seconds, never more than maxFrames.
func Plan(duration float64, maxFrames int) []float64 {
	if duration <= 0 || maxFrames <= 0 {
		return nil
	}
	out := make([]float64, 0, min(maxFrames, 64))
	for t := 0.0; t < duration && len(out) < maxFrames; t += step(t) {
		out = append(out, t)
	}
	return out
}

func step(t float64) float64 {
	switch {
	case t < 60:
		return 1
	case t < 300:
		return 2
	default:
		return 5
	}
}

// ScaledSize shrinks (w, h) so neither side exceeds maxDim, keeping the
// aspect ratio. Sizes already within bounds are returned unchanged.
func ScaledSize(w, h, maxDim int) (int, int) {
	if w <= 0 || h <= 0 || maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := h * maxDim / w
		return maxDim, max(nh, 1)
	}
	nw := w * maxDim / h
	return max(nw, 1), maxDim
}
