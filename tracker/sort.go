package tracker

import (
	"sort"

	"github.com/pkg/errors"
)

// Defaults used by camera sessions and batch jobs.
var (
	DefaultMaxAge  = 20
	DefaultMinHits = 2
)

// Config holds the lifecycle thresholds of a Manager.
type Config struct {
	// MaxAge is the number of frames a track may go unmatched before it is deleted.
	MaxAge int `json:"max_age" yaml:"max_age"`
	// MinHits is the hit streak required before a track is emitted.
	MinHits      int     `json:"min_hits" yaml:"min_hits"`
	IOUThreshold float64 `json:"iou_threshold" yaml:"iou_threshold"`
}

// DefaultConfig returns the thresholds used for cameras and batch jobs.
func DefaultConfig() Config {
	return Config{MaxAge: DefaultMaxAge, MinHits: DefaultMinHits, IOUThreshold: DefaultIOUThreshold}
}

// Validate checks the thresholds are usable.
func (cfg Config) Validate() error {
	if cfg.MaxAge < 0 {
		return errors.New("max_age cannot be less than 0")
	}
	if cfg.MinHits < 0 {
		return errors.New("min_hits cannot be less than 0")
	}
	if cfg.IOUThreshold < 0 || cfg.IOUThreshold > 1 {
		return errors.New("iou_threshold must be between 0.0 and 1.0")
	}
	return nil
}

// IDAllocator hands out strictly increasing track IDs starting at 1. IDs are never reused.
type IDAllocator struct {
	last int
}

// Next returns the next unused ID.
func (a *IDAllocator) Next() int {
	a.last++
	return a.last
}

// Last returns the most recently allocated ID, 0 if none.
func (a *IDAllocator) Last() int {
	return a.last
}

// TrackedObject is one emitted track for a frame.
type TrackedObject struct {
	ID         int     `json:"track_id"`
	BBox       BBox    `json:"bbox"`
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Output is the result of one Update cycle.
type Output struct {
	Frame       int
	Tracks      []TrackedObject
	UniqueCount int
}

// Manager is the SORT engine. It is not safe for concurrent use; each camera session or batch job owns one.
type Manager struct {
	cfg        Config
	ids        IDAllocator
	tracks     []*Track
	frameCount int
	confirmed  map[int]struct{}
	dropped    int
}

// NewManager returns an empty Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		confirmed: make(map[int]struct{}),
	}
}

// Update runs one predict, associate, update, spawn, emit and prune cycle with the detections of one frame.
// Detections must already be validated.
func (m *Manager) Update(frame int, dets []Detection) (Output, error) {
	m.frameCount++

	// predict, dropping tracks whose filter no longer yields a box
	predicted := make([]BBox, 0, len(m.tracks))
	live := m.tracks[:0]
	for _, trk := range m.tracks {
		b, err := trk.Predict()
		if err != nil {
			m.dropped++
			continue
		}
		live = append(live, trk)
		predicted = append(predicted, b)
	}
	for i := len(live); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = live

	boxes := make([]BBox, len(dets))
	for i, d := range dets {
		boxes[i] = d.BBox
	}
	assoc, err := Associate(boxes, predicted, m.cfg.IOUThreshold)
	if err != nil {
		return Output{Frame: frame, UniqueCount: len(m.confirmed)}, err
	}

	corrupted := make(map[*Track]struct{})
	for _, match := range assoc.Matches {
		trk := m.tracks[match[1]]
		if err := trk.Update(dets[match[0]]); err != nil {
			corrupted[trk] = struct{}{}
		}
	}

	for _, detIdx := range assoc.UnmatchedDetections {
		m.tracks = append(m.tracks, newTrack(m.ids.Next(), dets[detIdx]))
	}

	out := Output{Frame: frame}
	kept := m.tracks[:0]
	for _, trk := range m.tracks {
		if _, bad := corrupted[trk]; bad {
			m.dropped++
			continue
		}
		b, err := trk.State()
		if err != nil {
			m.dropped++
			continue
		}
		if trk.TimeSinceUpdate < 1 && (trk.HitStreak >= m.cfg.MinHits || m.frameCount <= m.cfg.MinHits) {
			out.Tracks = append(out.Tracks, TrackedObject{
				ID:         trk.ID,
				BBox:       b,
				Label:      trk.Label,
				Confidence: trk.Confidence,
			})
			m.confirmed[trk.ID] = struct{}{}
		}
		if trk.TimeSinceUpdate > m.cfg.MaxAge {
			continue
		}
		kept = append(kept, trk)
	}
	for i := len(kept); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = kept

	sort.Slice(out.Tracks, func(i, j int) bool { return out.Tracks[i].ID < out.Tracks[j].ID })
	out.UniqueCount = len(m.confirmed)
	return out, nil
}

// Tracks returns a snapshot of the live tracks in creation order.
func (m *Manager) Tracks() []Track {
	out := make([]Track, 0, len(m.tracks))
	for _, trk := range m.tracks {
		out = append(out, trk.clone())
	}
	return out
}

// Track returns a snapshot of the live track with the given id.
func (m *Manager) Track(id int) (Track, bool) {
	for _, trk := range m.tracks {
		if trk.ID == id {
			return trk.clone(), true
		}
	}
	return Track{}, false
}

// UniqueCount is the number of distinct track IDs ever emitted.
func (m *Manager) UniqueCount() int {
	return len(m.confirmed)
}

// FrameCount is the number of Update cycles run.
func (m *Manager) FrameCount() int {
	return m.frameCount
}

// Dropped is the number of tracks removed because their filter state was corrupted.
func (m *Manager) Dropped() int {
	return m.dropped
}

// Config returns the manager's thresholds.
func (m *Manager) Config() Config {
	return m.cfg
}
