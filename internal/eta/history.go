package eta

import "github.com/nihannihu/rendezvous/pkg/geo"

// History is a bounded, time-ordered window of accepted location samples,
// oldest first. Appending past capacity evicts the oldest sample.
type History struct {
	max     int
	samples []geo.Sample
}

func NewHistory(max int) *History {
	if max < 2 {
		max = 2
	}
	return &History{max: max, samples: make([]geo.Sample, 0, max)}
}

func (h *History) Add(s geo.Sample) {
	if len(h.samples) == h.max {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.max-1]
	}
	h.samples = append(h.samples, s)
}

// Samples returns the window oldest first. The slice is owned by the history
// and must not be mutated by callers.
func (h *History) Samples() []geo.Sample {
	return h.samples
}

func (h *History) Len() int {
	return len(h.samples)
}
