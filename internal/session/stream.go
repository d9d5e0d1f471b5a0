package session

import (
	"strings"
	"unicode/utf8"
)

// streamer accumulates token bytes and releases text once it can no longer
// be part of a stop string or an unfinished UTF-8 sequence.
type streamer struct {
	stops   []string
	pending []byte
	out     strings.Builder
	stopped bool
}

// push adds the bytes of one token and returns the text that became safe
// to emit.
func (s *streamer) push(piece string) string {
	s.pending = append(s.pending, piece...)

	if idx := s.firstStop(); idx >= 0 {
		s.stopped = true
		return s.release(idx)
	}

	safe := len(s.pending) - s.stopPrefix()
	safe -= incompleteTail(s.pending[:safe])
	return s.release(safe)
}

// flush releases everything still held back.
func (s *streamer) flush() string {
	return s.release(len(s.pending))
}

func (s *streamer) release(n int) string {
	if n <= 0 {
		if s.stopped {
			s.pending = s.pending[:0]
		}
		return ""
	}
	text := strings.ToValidUTF8(string(s.pending[:n]), string(utf8.RuneError))
	if s.stopped {
		s.pending = s.pending[:0]
	} else {
		s.pending = append(s.pending[:0], s.pending[n:]...)
	}
	s.out.WriteString(text)
	return text
}

func (s *streamer) text() string { return s.out.String() }

func (s *streamer) firstStop() int {
	first := -1
	for _, stop := range s.stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(string(s.pending), stop); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

// stopPrefix is the length of the longest suffix of pending that is a
// proper prefix of a stop string.
func (s *streamer) stopPrefix() int {
	longest := 0
	for _, stop := range s.stops {
		for n := min(len(stop)-1, len(s.pending)); n > longest; n-- {
			if string(s.pending[len(s.pending)-n:]) == stop[:n] {
				longest = n
				break
			}
		}
	}
	return longest
}

// incompleteTail is the number of trailing bytes of b that start a UTF-8
// sequence but do not finish it.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
