package tokenizer

import (
	"strings"
	"unicode/utf8"
)

const spmSpace = "▁"

// encodeSPM tokenizes one text fragment with SentencePiece conventions:
// spaces become ▁ and pieces merge by score, or by merge rank when the
// vocabulary carries merges.
func (t *Tokenizer) encodeSPM(ids []int32, frag fragment, prevSpecial bool) ([]int32, int, error) {
	v := t.vocab
	text := frag.value
	if text == "" {
		return ids, 0, nil
	}
	if v.AddSpacePrefix && prevSpecial {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spmSpace)

	if id := v.Lookup(text); id >= 0 {
		return append(ids, id), 0, nil
	}

	pieces := make([]string, 0, len(text))
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		pieces = append(pieces, text[i:i+size])
		i += size
	}

	rank := func(left, right string) (float64, bool) {
		id := v.Lookup(left + right)
		if id < 0 {
			return 0, false
		}
		if len(v.merges) > 0 {
			r := v.mergeRank(left, right)
			return float64(r), r >= 0
		}
		return -float64(v.score(id)), true
	}

	var unknown int
	for _, piece := range merge(pieces, rank) {
		if id := v.Lookup(piece); id >= 0 {
			ids = append(ids, id)
			continue
		}
		var n int
		var err error
		ids, n, err = t.fallback(ids, piece, frag.offset, func(b byte) int32 { return v.bytes[b] })
		if err != nil {
			return nil, 0, err
		}
		unknown += n
	}
	return ids, unknown, nil
}
