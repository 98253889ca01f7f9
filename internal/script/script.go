// Package script loads the YAML scripts the luna CLI plays through a
// synthesis session.
package script

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// MaxSegmentLength mirrors the service limit on a single chunked request
const MaxSegmentLength = 5000

// Script is an ordered list of text segments with optional sampling overrides.
//
//	mode: duplex
//	top_p: 0.9
//	segments:
//	  - text: "नमस्ते।"
//	  - fragments: ["आज मौसम ", "बहुत अच्छा है।"]
type Script struct {
	Mode              string    `yaml:"mode,omitempty"`
	TopP              *float64  `yaml:"top_p,omitempty"`
	RepetitionPenalty *float64  `yaml:"repetition_penalty,omitempty"`
	Segments          []Segment `yaml:"segments"`
}

// Segment is synthesized as one unit. Fragments are pushed one at a time in
// duplex mode, as a client streaming text would.
type Segment struct {
	Text      string   `yaml:"text,omitempty"`
	Fragments []string `yaml:"fragments,omitempty"`
}

// Item is one entry of the duplex input sequence
type Item struct {
	Text  string
	Flush bool
}

// Load reads and validates a script from disk
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML script
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromText builds a single-segment script
func FromText(text string) *Script {
	return &Script{Segments: []Segment{{Text: text}}}
}

// Validate checks the mode, the sampling overrides and every segment
func (s *Script) Validate() error {
	switch s.Mode {
	case "", "chunked", "duplex":
	default:
		return fmt.Errorf("mode %q not supported", s.Mode)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("top_p must be between 0.0 and 1.0")
	}
	if s.RepetitionPenalty != nil && *s.RepetitionPenalty < 1 {
		return fmt.Errorf("repetition_penalty must be >= 1.0")
	}
	if len(s.Segments) == 0 {
		return fmt.Errorf("segments must include at least one entry")
	}

	for i, seg := range s.Segments {
		if seg.Text != "" && len(seg.Fragments) > 0 {
			return fmt.Errorf("segments[%d]: text and fragments are mutually exclusive", i)
		}
		full := seg.FullText()
		if strings.TrimSpace(full) == "" {
			return fmt.Errorf("segments[%d]: text is required", i)
		}
		if n := utf8.RuneCountInString(full); n > MaxSegmentLength {
			return fmt.Errorf("segments[%d]: %d characters exceeds the limit of %d", i, n, MaxSegmentLength)
		}
	}
	return nil
}

// FullText returns the segment's text with fragments joined
func (seg Segment) FullText() string {
	if len(seg.Fragments) == 0 {
		return seg.Text
	}
	return strings.Join(seg.Fragments, "")
}

// Texts returns one text per segment, for chunked synthesis
func (s *Script) Texts() []string {
	texts := make([]string, len(s.Segments))
	for i, seg := range s.Segments {
		texts[i] = seg.FullText()
	}
	return texts
}

// Items returns the duplex input sequence. Segments are separated by a flush;
// the last segment ends with the end of input instead.
func (s *Script) Items() []Item {
	var items []Item
	for i, seg := range s.Segments {
		if i > 0 {
			items = append(items, Item{Flush: true})
		}
		if len(seg.Fragments) == 0 {
			items = append(items, Item{Text: seg.Text})
			continue
		}
		for _, f := range seg.Fragments {
			if f != "" {
				items = append(items, Item{Text: f})
			}
		}
	}
	return items
}
