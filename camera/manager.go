package camera

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/sort-tracking/media"
	"github.com/viam-modules/sort-tracking/tracker"
)

// DeviceOpener opens the capture device with the given index.
type DeviceOpener func(device int) (media.Capture, error)

// Manager owns the fixed set of camera slots of a recorder. Slot i is camera id i.
type Manager struct {
	sessions []*Session
	// why a slot has no session: ErrNotConnected or the open failure
	missing []error
	logger  logging.Logger
}

// NewManager opens every slot whose device index is not negative. A device that fails to open leaves its
// slot unavailable; the other cameras still start.
func NewManager(devices []int, open DeviceOpener, detector tracker.Detector, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("camera")
	}
	opts.Logger = logger
	m := &Manager{
		sessions: make([]*Session, len(devices)),
		missing:  make([]error, len(devices)),
		logger:   logger,
	}
	for i, dev := range devices {
		if dev < 0 {
			m.missing[i] = ErrNotConnected
			continue
		}
		capture, err := open(dev)
		if err != nil {
			logger.Errorw("cannot open camera", "camera", i, "device", dev, "error", err)
			m.missing[i] = errors.Wrapf(ErrNotConnected, "%v", err)
			continue
		}
		m.sessions[i] = NewSession(i, capture, detector, opts)
	}
	return m
}

// Len is the number of camera slots.
func (m *Manager) Len() int { return len(m.sessions) }

// Session returns the session for camera id i.
func (m *Manager) Session(i int) (*Session, error) {
	if i < 0 || i >= len(m.sessions) {
		return nil, errors.Wrapf(ErrInvalidCamera, "%d", i)
	}
	if m.sessions[i] == nil {
		return nil, m.missing[i]
	}
	return m.sessions[i], nil
}

// Connected returns the sessions with an open device, in id order.
func (m *Manager) Connected() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Start launches the capture loop of every connected camera.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.Connected() {
		s.Start(ctx)
	}
}

// StartAll enables detection on every connected camera.
func (m *Manager) StartAll(savePath string, sensitivity float64) error {
	for _, s := range m.Connected() {
		if err := s.StartDetection(savePath, sensitivity); err != nil {
			return errors.Wrapf(err, "camera %d", s.Index())
		}
	}
	return nil
}

// StopAll disables detection on every connected camera.
func (m *Manager) StopAll() {
	for _, s := range m.Connected() {
		if err := s.StopDetection(); err != nil {
			m.logger.Warnw("cannot stop detection", "camera", s.Index(), "error", err)
		}
	}
}

// Close closes every session.
func (m *Manager) Close() error {
	var first error
	for _, s := range m.Connected() {
		if err := s.Close(); err != nil {
			m.logger.Warnw("cannot close camera", "camera", s.Index(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
