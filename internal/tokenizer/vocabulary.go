package tokenizer

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Token types as stored in tokenizer.ggml.token_type.
const (
	TokenTypeNormal      int32 = 1
	TokenTypeUnknown     int32 = 2
	TokenTypeControl     int32 = 3
	TokenTypeUserDefined int32 = 4
	TokenTypeUnused      int32 = 5
	TokenTypeByte        int32 = 6
)

const (
	ModelSPM  = "llama"
	ModelGPT2 = "gpt2"
)

// Vocabulary is the token table of a model. Ids are dense indices into
// Values; absent special ids are -1.
type Vocabulary struct {
	Model  string
	Values []string
	Types  []int32
	Scores []float32
	Merges []string

	BOS, EOS, PAD, UNK int32
	// EOG holds every id that ends a turn, EOS included.
	EOG []int32

	AddBOS, AddEOS bool
	AddSpacePrefix bool

	values  map[string]int32
	merges  map[string]int
	special []string
	bytes   [256]int32
}

func (v *Vocabulary) index() error {
	if len(v.Values) == 0 {
		return fmt.Errorf("empty vocabulary")
	}
	if v.Types != nil && len(v.Types) != len(v.Values) {
		return fmt.Errorf("token types: %d entries for %d tokens", len(v.Types), len(v.Values))
	}
	if v.Scores != nil && len(v.Scores) != len(v.Values) {
		return fmt.Errorf("token scores: %d entries for %d tokens", len(v.Scores), len(v.Values))
	}

	v.values = make(map[string]int32, len(v.Values))
	for i, s := range v.Values {
		if _, dup := v.values[s]; !dup {
			v.values[s] = int32(i)
		}
	}

	v.merges = make(map[string]int, len(v.Merges))
	for i, m := range v.Merges {
		if _, dup := v.merges[m]; !dup {
			v.merges[m] = i
		}
	}

	for i := range v.bytes {
		v.bytes[i] = -1
		if id, ok := v.values[fmt.Sprintf("<0x%02X>", i)]; ok {
			v.bytes[i] = id
		}
	}

	v.special = v.special[:0]
	for i, s := range v.Values {
		if s == "" {
			continue
		}
		if t := v.Type(int32(i)); t == TokenTypeControl || t == TokenTypeUserDefined {
			v.special = append(v.special, s)
		}
	}
	// Longest first so that "<|im_start|>" wins over a "<|" prefix.
	slices.SortStableFunc(v.special, func(a, b string) int { return len(b) - len(a) })

	for _, id := range []int32{v.BOS, v.EOS, v.PAD, v.UNK} {
		if id >= int32(len(v.Values)) {
			return fmt.Errorf("special token id %d out of range (%d tokens)", id, len(v.Values))
		}
	}
	if v.EOS >= 0 && !slices.Contains(v.EOG, v.EOS) {
		v.EOG = append([]int32{v.EOS}, v.EOG...)
	}
	for i, s := range v.Values {
		if v.Type(int32(i)) == TokenTypeControl && isTurnEnd(s) && !slices.Contains(v.EOG, int32(i)) {
			v.EOG = append(v.EOG, int32(i))
		}
	}
	return nil
}

func isTurnEnd(s string) bool {
	switch s {
	case "<|eot_id|>", "<|im_end|>", "<|end|>", "<end_of_turn>", "<|endoftext|>", "<|eom_id|>", "</s>":
		return true
	}
	return false
}

func (v *Vocabulary) Size() int { return len(v.Values) }

// Type returns the token type, treating untyped vocabularies as normal
// except for "<0xXX>" byte tokens.
func (v *Vocabulary) Type(id int32) int32 {
	if id < 0 || int(id) >= len(v.Values) {
		return TokenTypeUnknown
	}
	if v.Types != nil {
		return v.Types[id]
	}
	if _, ok := parseByteToken(v.Values[id]); ok {
		return TokenTypeByte
	}
	return TokenTypeNormal
}

// Lookup returns the id of an exact token string, or -1.
func (v *Vocabulary) Lookup(s string) int32 {
	if id, ok := v.values[s]; ok {
		return id
	}
	return -1
}

func (v *Vocabulary) score(id int32) float32 {
	if v.Scores == nil {
		return 0
	}
	return v.Scores[id]
}

// mergeRank is the position of "left right" in the merge list, or -1.
func (v *Vocabulary) mergeRank(left, right string) int {
	if r, ok := v.merges[left+" "+right]; ok {
		return r
	}
	return -1
}

// IsEOG reports whether id ends generation.
func (v *Vocabulary) IsEOG(id int32) bool {
	return slices.Contains(v.EOG, id)
}

// IsControl reports whether id renders as nothing in generated text.
func (v *Vocabulary) IsControl(id int32) bool {
	return v.Type(id) == TokenTypeControl
}

// SpecialTokens lists control and user-defined token strings, longest first.
func (v *Vocabulary) SpecialTokens() []string {
	return v.special
}

func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}
