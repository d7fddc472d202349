package flowtable

import "math"

// moments accumulates count, mean, variance, min and max of a sample stream
// using Welford's online algorithm, so a flow never stores its samples.
type moments struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (m *moments) update(v float64) {
	if m.count == 0 || v < m.min {
		m.min = v
	}
	if m.count == 0 || v > m.max {
		m.max = v
	}
	m.count++
	delta := v - m.mean
	m.mean += delta / float64(m.count)
	m.m2 += delta * (v - m.mean)
}

// stddev is the population standard deviation, 0 for fewer than 2 samples.
func (m *moments) stddev() float64 {
	if m.count < 2 {
		return 0
	}
	return math.Sqrt(m.m2 / float64(m.count))
}

func (m *moments) avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.mean
}
