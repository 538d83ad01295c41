package health

import "time"

// maxSamples bounds a window regardless of its duration.
const maxSamples = 4096

type sample struct {
	at time.Time
	ok bool
	rt time.Duration
}

// window is a time-bounded list of outcomes, oldest first.
type window struct {
	span    time.Duration
	samples []sample
}

func (w *window) add(now time.Time, ok bool, rt time.Duration) {
	w.samples = append(w.samples, sample{at: now, ok: ok, rt: rt})
	if len(w.samples) > maxSamples {
		w.samples = append(w.samples[:0], w.samples[len(w.samples)-maxSamples:]...)
	}
	w.prune(now)
}

func (w *window) prune(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

type windowStats struct {
	total    int
	failures int
	avgRT    time.Duration
}

func (w *window) stats(now time.Time) windowStats {
	w.prune(now)
	var st windowStats
	var rt time.Duration
	for _, s := range w.samples {
		st.total++
		rt += s.rt
		if !s.ok {
			st.failures++
		}
	}
	if st.total > 0 {
		st.avgRT = rt / time.Duration(st.total)
	}
	return st
}

func (s windowStats) errorRate() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.failures) / float64(s.total)
}
