package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Pipeline stages tracked by the latency window.
const (
	StageAcceleratorWait = "accelerator_wait"
	StageEngineGenerate  = "engine_generate"
	StagePack            = "pack"
	StageRender          = "render"
	StageEncode          = "encode"
	StageExportGLB       = "export_glb"
	StageExportPLY       = "export_ply"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

// stageWindow holds the latest size durations of every stage and a count
// per failure outcome.
type stageWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*ring
	outcomes map[string]int
}

// ring is a fixed-capacity sample buffer that overwrites its oldest entry.
type ring struct {
	ms    []float64
	total int
}

func (r *ring) add(v float64) {
	r.ms[r.total%len(r.ms)] = v
	r.total++
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.ms[:min(r.total, len(r.ms))])
	slices.Sort(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:     size,
		rings:    make(map[string]*ring),
		outcomes: make(map[string]int),
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{ms: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(float64(d) / float64(time.Millisecond))
}

func (w *stageWindow) observeOutcome(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		samples := w.rings[stage].sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   stage,
			Samples: len(samples),
			AvgMS:   round2(sum / float64(len(samples))),
			P50MS:   round2(nearestRank(samples, 0.50)),
			P95MS:   round2(nearestRank(samples, 0.95)),
			P99MS:   round2(nearestRank(samples, 0.99)),
			MaxMS:   round2(samples[len(samples)-1]),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(w.outcomes)) {
		snap.Outcomes = append(snap.Outcomes, OutcomeCount{Name: name, Count: w.outcomes[name]})
	}
	return snap
}

// nearestRank returns the smallest sample with at least q of the samples at
// or below it. sorted must be non-empty.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
