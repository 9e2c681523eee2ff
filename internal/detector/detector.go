// Package detector implements an accrual failure detector over heartbeat
// inter-arrival times.
package detector

import (
	"math"
	"sync"
	"time"
)

// DefaultMaxSamples is the number of inter-arrival intervals kept per peer.
const DefaultMaxSamples = 100

type window struct {
	last      time.Time
	intervals []float64 // seconds, ring buffer
	next      int
}

func (w *window) add(v float64, limit int) {
	if len(w.intervals) < limit {
		w.intervals = append(w.intervals, v)
		return
	}
	w.intervals[w.next] = v
	w.next = (w.next + 1) % limit
}

// Detector tracks heartbeat arrivals per peer and scores how overdue the next one is.
// It is safe for concurrent use.
type Detector struct {
	mu         sync.Mutex
	peers      map[string]*window
	maxSamples int
}

// New returns a Detector keeping up to maxSamples intervals per peer.
// A non-positive maxSamples selects DefaultMaxSamples.
func New(maxSamples int) *Detector {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Detector{
		peers:      make(map[string]*window),
		maxSamples: maxSamples,
	}
}

// Observe records a heartbeat from id at time at. Arrivals older than the
// last recorded one are ignored.
func (d *Detector) Observe(id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.peers[id]
	if !ok {
		d.peers[id] = &window{last: at}
		return
	}
	if at.Before(w.last) {
		return
	}
	w.add(at.Sub(w.last).Seconds(), d.maxSamples)
	w.last = at
}

// Phi returns (elapsed - mean) / stddev of the recorded intervals, where
// elapsed is the time since the last heartbeat. It is 0 with fewer than two
// intervals, and with zero variance it is +Inf once elapsed exceeds the mean
// and 0 before that.
func (d *Detector) Phi(id string, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.peers[id]
	if !ok || len(w.intervals) < 2 {
		return 0
	}
	elapsed := now.Sub(w.last).Seconds()
	mean, stddev := meanStddev(w.intervals)
	if stddev == 0 {
		if elapsed > mean {
			return math.Inf(1)
		}
		return 0
	}
	return (elapsed - mean) / stddev
}

// Samples returns the number of intervals recorded for id.
func (d *Detector) Samples(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.peers[id]; ok {
		return len(w.intervals)
	}
	return 0
}

// Remove forgets everything recorded for id.
func (d *Detector) Remove(id string) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

// meanStddev uses the sample (n-1) variance.
func meanStddev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}
