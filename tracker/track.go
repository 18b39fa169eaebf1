package tracker

import "gonum.org/v1/gonum/mat"

// Track is one object's identity and estimated state. Tracks are owned by a single Manager.
type Track struct {
	ID              int
	Age             int
	Hits            int
	HitStreak       int
	TimeSinceUpdate int
	Label           string
	Confidence      float64
	// History holds the predicted boxes since the last matched update.
	History []BBox

	kf *kalmanBoxFilter
}

// newTrack seeds a track from an unmatched detection. Construction counts as the first hit.
func newTrack(id int, det Detection) *Track {
	return &Track{
		ID:         id,
		Hits:       1,
		HitStreak:  1,
		Label:      det.Label,
		Confidence: det.Confidence,
		kf:         newKalmanBoxFilter(det.BBox),
	}
}

// Predict advances the track one frame and returns the projected box.
func (t *Track) Predict() (BBox, error) {
	t.kf.predict()
	t.Age++
	if t.TimeSinceUpdate > 0 {
		t.HitStreak = 0
	}
	t.TimeSinceUpdate++
	b, err := t.kf.box()
	if err != nil {
		return BBox{}, err
	}
	t.History = append(t.History, b)
	return b, nil
}

// Update corrects the track with a matched detection and takes its label and confidence.
func (t *Track) Update(det Detection) error {
	t.TimeSinceUpdate = 0
	t.History = nil
	t.Hits++
	t.HitStreak++
	t.Label = det.Label
	t.Confidence = det.Confidence
	return t.kf.update(det.BBox)
}

// State returns the current box estimate.
func (t *Track) State() (BBox, error) {
	return t.kf.box()
}

// StateVector returns a copy of cx, cy, s, r and the three velocities.
func (t *Track) StateVector() []float64 {
	out := make([]float64, stateDim)
	for i := range out {
		out[i] = t.kf.x.AtVec(i)
	}
	return out
}

func (t *Track) clone() Track {
	c := *t
	c.History = append([]BBox(nil), t.History...)
	c.kf = &kalmanBoxFilter{x: mat.VecDenseCopyOf(t.kf.x), p: mat.DenseCopyOf(t.kf.p)}
	return c
}
