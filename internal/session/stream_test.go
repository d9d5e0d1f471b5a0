package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamerHoldsIncompleteRunes(t *testing.T) {
	s := &streamer{}
	euro := "€" // e2 82 ac
	assert.Equal(t, "a", s.push("a"+euro[:1]))
	assert.Equal(t, "", s.push(euro[1:2]))
	assert.Equal(t, euro+"b", s.push(euro[2:]+"b"))
	assert.Equal(t, "a€b", s.text())
}

func TestStreamerFlushesInvalidBytes(t *testing.T) {
	s := &streamer{}
	assert.Equal(t, "x", s.push("x\xe2\x82"))
	assert.Equal(t, "�", s.flush())
	assert.Equal(t, "x�", s.text())

	s = &streamer{}
	// a lone invalid byte is complete and released immediately
	assert.Equal(t, "�y", s.push("\xffy"))
}

func TestStreamerStopStrings(t *testing.T) {
	tests := []struct {
		name   string
		stops  []string
		pieces []string
		emits  []string
		text   string
		stop   bool
	}{
		{
			name:   "match inside one piece",
			stops:  []string{"END"},
			pieces: []string{"helloEND more"},
			emits:  []string{"hello"},
			text:   "hello",
			stop:   true,
		},
		{
			name:   "match across pieces",
			stops:  []string{"</s>"},
			pieces: []string{"hi <", "/", "s>tail"},
			emits:  []string{"hi ", "", ""},
			text:   "hi ",
			stop:   true,
		},
		{
			name:   "partial match released",
			stops:  []string{"###"},
			pieces: []string{"a#", "#b"},
			emits:  []string{"a", "##b"},
			text:   "a##b",
		},
		{
			name:   "earliest of several",
			stops:  []string{"zz", "y"},
			pieces: []string{"xyzz"},
			emits:  []string{"x"},
			text:   "x",
			stop:   true,
		},
		{
			name:   "empty stop ignored",
			stops:  []string{""},
			pieces: []string{"ab"},
			emits:  []string{"ab"},
			text:   "ab",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &streamer{stops: tt.stops}
			var emits []string
			for _, p := range tt.pieces {
				emits = append(emits, s.push(p))
				if s.stopped {
					break
				}
			}
			s.flush()
			assert.Equal(t, tt.emits, emits)
			assert.Equal(t, tt.text, s.text())
			assert.Equal(t, tt.stop, s.stopped)
		})
	}
}
