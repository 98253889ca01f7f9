package script

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `
mode: duplex
top_p: 0.8
segments:
  - text: "नमस्ते।"
  - fragments: ["आज मौसम ", "", "बहुत अच्छा है।"]
  - text: "धन्यवाद।"
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleScript))
	require.NoError(t, err)

	assert.Equal(t, "duplex", s.Mode)
	require.NotNil(t, s.TopP)
	assert.Equal(t, 0.8, *s.TopP)
	assert.Nil(t, s.RepetitionPenalty)
	require.Len(t, s.Segments, 3)
}

func TestItems(t *testing.T) {
	s, err := Parse([]byte(sampleScript))
	require.NoError(t, err)

	assert.Equal(t, []Item{
		{Text: "नमस्ते।"},
		{Flush: true},
		{Text: "आज मौसम "},
		{Text: "बहुत अच्छा है।"},
		{Flush: true},
		{Text: "धन्यवाद।"},
	}, s.Items())
}

func TestTexts(t *testing.T) {
	s, err := Parse([]byte(sampleScript))
	require.NoError(t, err)

	assert.Equal(t, []string{"नमस्ते।", "आज मौसम बहुत अच्छा है।", "धन्यवाद।"}, s.Texts())
}

func TestFromText(t *testing.T) {
	s := FromText("hello")
	require.NoError(t, s.Validate())
	assert.Equal(t, []Item{{Text: "hello"}}, s.Items())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no segments", "mode: duplex\n", "at least one entry"},
		{"bad mode", "mode: batch\nsegments: [{text: hi}]\n", "not supported"},
		{"top_p range", "top_p: 1.5\nsegments: [{text: hi}]\n", "top_p"},
		{"penalty range", "repetition_penalty: 0.5\nsegments: [{text: hi}]\n", "repetition_penalty"},
		{"empty text", "segments: [{text: '  '}]\n", "segments[0]: text is required"},
		{"both forms", "segments: [{text: hi, fragments: [a]}]\n", "mutually exclusive"},
		{"too long", "segments: [{text: " + strings.Repeat("a", MaxSegmentLength+1) + "}]\n", "exceeds the limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("segments: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse script")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleScript), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Segments, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
