package tts

import "fmt"

// segmentManager tracks which audio segment is accepting pushed audio.
// At most one segment is open at a time; opened ids are kept in order.
type segmentManager struct {
	current string
	isOpen  bool
	opened  []string
	bytes   map[string]int
}

func newSegmentManager() *segmentManager {
	return &segmentManager{bytes: make(map[string]int)}
}

// open makes id the current segment. The previous segment must be closed.
func (m *segmentManager) open(id string) error {
	if m.isOpen {
		return fmt.Errorf("segment %q is still open", m.current)
	}
	m.current = id
	m.isOpen = true
	m.opened = append(m.opened, id)
	return nil
}

// push attributes data to the open segment and returns its id
func (m *segmentManager) push(data []byte) (string, error) {
	if !m.isOpen {
		return "", ErrNoOpenSegment
	}
	m.bytes[m.current] += len(data)
	return m.current, nil
}

// close ends the current segment, returning its id and whether one was open
func (m *segmentManager) close() (string, bool) {
	if !m.isOpen {
		return "", false
	}
	m.isOpen = false
	return m.current, true
}

func (m *segmentManager) ids() []string {
	out := make([]string, len(m.opened))
	copy(out, m.opened)
	return out
}

func (m *segmentManager) bytesFor(id string) int {
	return m.bytes[id]
}
