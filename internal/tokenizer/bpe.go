package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// GPT-2 maps every byte to a printable rune so that merges operate on
// visible text.
var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	n := rune(0)
	for b := 0; b < 256; b++ {
		r := rune(b)
		printable := (b >= '!' && b <= '~') || (b >= 0xa1 && b <= 0xac) || (b >= 0xae && b <= 0xff)
		if !printable {
			r = 256 + n
			n++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

func encodeByteLevel(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteToRune[s[i]])
	}
	return sb.String()
}

func decodeByteLevel(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if b, ok := runeToByte[r]; ok {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

type chunk struct {
	value  string
	offset int
}

// split applies the pretokenizer patterns in turn; text between matches is
// kept as its own piece.
func (t *Tokenizer) split(s string, offset int) []chunk {
	parts := []chunk{{s, offset}}
	for _, re := range t.pre {
		var next []chunk
		for _, part := range parts {
			if !utf8.ValidString(part.value) {
				next = append(next, part)
				continue
			}
			r := []rune(part.value)
			offsets := make([]int, len(r)+1)
			for i, c := range r {
				offsets[i+1] = offsets[i] + utf8.RuneLen(c)
			}
			at := func(i int) int { return part.offset + offsets[i] }
			var pos int
			m, _ := re.FindRunesMatch(r)
			for m != nil {
				if m.Index > pos {
					next = append(next, chunk{string(r[pos:m.Index]), at(pos)})
				}
				next = append(next, chunk{m.String(), at(m.Index)})
				pos = m.Index + m.Length
				m, _ = re.FindNextMatch(m)
			}
			if pos < len(r) {
				next = append(next, chunk{string(r[pos:]), at(pos)})
			}
		}
		parts = next
	}
	return parts
}

// encodeBPE tokenizes one fragment with byte-level BPE.
func (t *Tokenizer) encodeBPE(ids []int32, frag fragment) ([]int32, int, error) {
	v := t.vocab
	var unknown int
	for _, sp := range t.split(frag.value, frag.offset) {
		mapped := encodeByteLevel(sp.value)
		if id := v.Lookup(mapped); id >= 0 {
			ids = append(ids, id)
			continue
		}

		pieces := make([]string, 0, len(mapped))
		for _, r := range mapped {
			pieces = append(pieces, string(r))
		}

		rank := func(left, right string) (float64, bool) {
			r := v.mergeRank(left, right)
			if r < 0 || v.Lookup(left+right) < 0 {
				return 0, false
			}
			return float64(r), true
		}

		for _, piece := range merge(pieces, rank) {
			if id := v.Lookup(piece); id >= 0 {
				ids = append(ids, id)
				continue
			}
			raw := decodeByteLevel(piece)
			var n int
			var err error
			ids, n, err = t.fallback(ids, raw, sp.offset, func(b byte) int32 {
				return v.Lookup(string(byteToRune[b]))
			})
			if err != nil {
				return nil, 0, err
			}
			unknown += n
		}
	}
	return ids, unknown, nil
}
