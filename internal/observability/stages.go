package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names observed by the session controller.
const (
	StageGatewayReply = "gateway_reply"
	StageSearchWait   = "search_wait"
	StageDialog       = "dialog"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// StageWindow keeps the latest durations per stage and plain event counters
// for the status endpoint. Prometheus holds the long-run view.
type StageWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string]*window
	counters map[string]int
}

// window is a fixed-capacity ring of millisecond samples.
type window struct {
	ms    []float64
	pos   int
	count int
}

func (r *window) push(v float64) {
	r.ms[r.pos] = v
	r.pos = (r.pos + 1) % len(r.ms)
	if r.count < len(r.ms) {
		r.count++
	}
}

func (r *window) latest() float64 {
	return r.ms[(r.pos-1+len(r.ms))%len(r.ms)]
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:     size,
		samples:  make(map[string]*window),
		counters: make(map[string]int),
	}
}

// Observe records one duration for stage. Negative durations are ignored.
func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.samples[stage]
	if r == nil {
		r = &window{ms: make([]float64, w.size)}
		w.samples[stage] = r
	}
	r.push(float64(d) / float64(time.Millisecond))
}

// ObserveIndicator bumps a named counter, typically a dialog end reason.
func (w *StageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.counters[name]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		r := w.samples[stage]
		if r.count == 0 {
			continue
		}
		sorted := slices.Clone(r.ms[:r.count])
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   stage,
			Samples: r.count,
			LastMS:  round2(r.latest()),
			AvgMS:   round2(sum / float64(r.count)),
			P50MS:   round2(percentile(sorted, 0.50)),
			P95MS:   round2(percentile(sorted, 0.95)),
			MaxMS:   round2(sorted[len(sorted)-1]),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(w.counters)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counters[name]})
	}
	return snap
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
