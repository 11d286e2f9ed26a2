package compression

import "fmt"

// Manager holds the three compressor slots a session may have active at
// once (§3, §4.5): standard (ID 1, no dict), active (the current custom
// dictionary, preset or trained), and last (the previous custom
// dictionary, kept around briefly so in-flight messages compressed with it
// can still be decompressed).
type Manager struct {
	Standard *Compressor
	Active   *Compressor
	Last     *Compressor
}

// NewManager returns an empty Manager; slots are populated as CONFIGURE is
// processed and as training promotes new dictionaries.
func NewManager() *Manager { return &Manager{} }

// Find looks up a compressor by ID across all three slots (§4.3: "look up
// the compressor in {standard, active, last} by ID (three-slot search,
// miss ⇒ error)").
func (m *Manager) Find(id uint64) (*Compressor, bool) {
	for _, c := range []*Compressor{m.Standard, m.Active, m.Last} {
		if c != nil && c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Rotate installs a newly-ready custom compressor as Active, demoting the
// previous Active to Last. The old Last is closed; if it was still
// Preparing, Cancel is called on it first, which does not stop its
// background build (§4.5: "the session never holds more than two custom
// dictionaries at once (plus standard)").
func (m *Manager) Rotate(next *Compressor) {
	if m.Last != nil && m.Last.IsPreparing() {
		m.Last.Cancel()
	}
	if m.Last != nil {
		m.Last.Close()
	}
	m.Last = m.Active
	m.Active = next
}

// ValidateAnnouncementSize checks a dictionary about to be announced
// against the outgoing frame size budget (§4.5: "A dictionary bigger than
// outgoing_max_ws_message_size − header_bytes is a fatal configuration
// error").
func ValidateAnnouncementSize(dictBytes []byte, headerBytes, maxFrameSize int) error {
	if maxFrameSize <= 0 {
		return nil // unbounded
	}
	if len(dictBytes)+headerBytes > maxFrameSize {
		return fmt.Errorf("compression: dictionary (%d bytes) plus headers (%d bytes) exceeds max frame size %d",
			len(dictBytes), headerBytes, maxFrameSize)
	}
	return nil
}

// SelectForSend picks which compressor (if any) should be used for an
// outbound payload of the given length, per §4.4's three-rule ladder.
// Returns nil if no compression should be applied.
func (m *Manager) SelectForSend(length uint64, trainedMaxSize uint64, minSize uint32) *Compressor {
	if length >= trainedMaxSize && m.Standard != nil {
		return m.Standard
	}
	if uint64(minSize) <= length && length < trainedMaxSize && m.Active != nil && !m.Active.IsPreparing() {
		return m.Active
	}
	return nil
}
