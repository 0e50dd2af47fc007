package syncer

import "sort"

// median returns the median of the positive values, or nil if there are none.
func median(values []float64) *float64 {
	pos := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			pos = append(pos, v)
		}
	}
	if len(pos) == 0 {
		return nil
	}
	sort.Float64s(pos)

	mid := len(pos) / 2
	m := pos[mid]
	if len(pos)%2 == 0 {
		m = (pos[mid-1] + pos[mid]) / 2
	}
	return &m
}
