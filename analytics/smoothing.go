package analytics

// SMA computes the simple moving average of series over a trailing window.
// With fewer than window points available it averages what exists so far,
// so the output is aligned with the input and defined at every index.
func SMA(series []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(series))
	var sum float64
	for i, v := range series {
		sum += v
		if i >= window {
			sum -= series[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// EMA computes the exponential moving average of series with smoothing
// factor alpha = 2/(span+1), seeded by the first value.
func EMA(series []float64, span int) []float64 {
	if len(series) == 0 {
		return nil
	}
	if span < 1 {
		span = 1
	}
	alpha := 2.0 / float64(span+1)
	out := make([]float64, len(series))
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}
