package tokenizer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tllama/internal/gguf"
)

func byteTokens() []string {
	out := make([]string, 256)
	for i := range out {
		out[i] = fmt.Sprintf("<0x%02X>", i)
	}
	return out
}

// spmFixture is a SentencePiece vocabulary able to spell "hello world"
// through a chain of merges, with byte fallback for everything else.
func spmFixture() *Vocabulary {
	values := []string{"<unk>", "<s>", "</s>"}
	types := []int32{TokenTypeUnknown, TokenTypeControl, TokenTypeControl}
	scores := []float32{0, 0, 0}
	for _, b := range byteTokens() {
		values = append(values, b)
		types = append(types, TokenTypeByte)
		scores = append(scores, 0)
	}
	pieces := []struct {
		s     string
		score float32
	}{
		{"▁", -100}, {"h", -100}, {"e", -100}, {"l", -100}, {"o", -100},
		{"w", -100}, {"r", -100}, {"d", -100},
		{"▁h", -3}, {"ll", -1}, {"llo", -2}, {"ello", -4}, {"▁hello", -5},
		{"▁w", -6}, {"or", -7}, {"ld", -8},
	}
	for _, p := range pieces {
		values = append(values, p.s)
		types = append(types, TokenTypeNormal)
		scores = append(scores, p.score)
	}
	return &Vocabulary{
		Model:          ModelSPM,
		Values:         values,
		Types:          types,
		Scores:         scores,
		BOS:            1,
		EOS:            2,
		PAD:            -1,
		UNK:            0,
		AddBOS:         true,
		AddSpacePrefix: true,
	}
}

const (
	spmSpaceID = 259
	spmHello   = 271
	spmW       = 272
	spmOr      = 273
	spmLd      = 274
)

func gpt2Fixture() *Vocabulary {
	values := make([]string, 0, 266)
	for b := 0; b < 256; b++ {
		values = append(values, string(byteToRune[b]))
	}
	values = append(values, "he", "ll", "hell", "hello", "Ġw", "or", "ld", "Ġwor", "Ġworld", "<|endoftext|>")
	types := make([]int32, len(values))
	for i := range types {
		types[i] = TokenTypeNormal
	}
	types[len(types)-1] = TokenTypeControl
	return &Vocabulary{
		Model:  ModelGPT2,
		Values: values,
		Types:  types,
		Merges: []string{"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "l d", "Ġw or", "Ġwor ld"},
		BOS:    265,
		EOS:    265,
		PAD:    -1,
		UNK:    -1,
	}
}

func newTokenizer(t *testing.T, v *Vocabulary) *Tokenizer {
	t.Helper()
	tok, err := New(v)
	require.NoError(t, err)
	return tok
}

func TestSPMEncode(t *testing.T) {
	tok := newTokenizer(t, spmFixture())
	z := int32(3 + 'z')

	tests := []struct {
		name       string
		text       string
		addSpecial bool
		want       []int32
	}{
		{"merges by score", "hello world", false, []int32{spmHello, spmW, spmOr, spmLd}},
		{"adds bos", "hello world", true, []int32{1, spmHello, spmW, spmOr, spmLd}},
		{"special token split", "<s>hello", false, []int32{1, spmHello}},
		{"byte fallback", "zoo", false, []int32{spmSpaceID, z, 263, 263}},
		{"double space", "hello  world", false, []int32{spmHello, spmSpaceID, spmW, spmOr, spmLd}},
		{"empty", "", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tok.Encode(tt.text, tt.addSpecial)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestSPMMergeRanks(t *testing.T) {
	v := spmFixture()
	// merge ranks replace scores once merges are present
	v.Merges = []string{"l l", "ll o", "▁ h", "e llo", "▁h ello", "l d", "o r", "▁ w"}
	tok := newTokenizer(t, v)
	got, err := tok.Encode("hello world", false)
	require.NoError(t, err)
	assert.Equal(t, []int32{spmHello, spmW, spmOr, spmLd}, got)

	v = spmFixture()
	v.Merges = []string{"▁ w"}
	tok = newTokenizer(t, v)
	got, err = tok.Encode("world", false)
	require.NoError(t, err)
	// only "▁ w" is a listed merge, the rest stay single pieces
	assert.Equal(t, []int32{spmW, 263, 265, 262, 266}, got)
}

func TestGPT2Encode(t *testing.T) {
	tok := newTokenizer(t, gpt2Fixture())

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{"whole word in vocab", "hello world", []int32{259, 264}},
		{"merges by rank", "hellos worlds", []int32{259, 's', 264, 's'}},
		{"special token split", "<|endoftext|>hello", []int32{265, 259}},
		{"bytes", "\n", []int32{'\n'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tok.Encode(tt.text, false)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"hello world",
		"hello  world",
		"  leading and trailing  ",
		"naïve café 😀 世界",
		"tabs\tand\nnewlines\r\n",
		"a\x00b",
		"\xff\xfe invalid utf-8",
	}
	for _, fixture := range []struct {
		name  string
		vocab func() *Vocabulary
	}{
		{"spm", spmFixture},
		{"gpt2", gpt2Fixture},
	} {
		tok := newTokenizer(t, fixture.vocab())
		for _, in := range inputs {
			t.Run(fmt.Sprintf("%s/%q", fixture.name, in), func(t *testing.T) {
				ids, err := tok.Encode(in, true)
				require.NoError(t, err)
				assert.Equal(t, in, tok.Decode(ids))
			})
		}
	}
}

func TestUnknownFallback(t *testing.T) {
	v := &Vocabulary{
		Model:          ModelSPM,
		Values:         []string{"<unk>", "▁", "a"},
		Types:          []int32{TokenTypeUnknown, TokenTypeNormal, TokenTypeNormal},
		BOS:            -1,
		EOS:            -1,
		PAD:            -1,
		UNK:            0,
		AddSpacePrefix: true,
	}
	tok := newTokenizer(t, v)
	got, err := tok.Encode("ab é", false)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 0, 1, 0}, got)

	v.UNK = -1
	tok = newTokenizer(t, v)
	_, err = tok.Encode("a b", false)
	var te *TokenizeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "b", te.Piece)
	assert.True(t, errors.Is(err, ErrUnencodable))
}

func TestPiece(t *testing.T) {
	tok := newTokenizer(t, spmFixture())
	assert.Equal(t, "\xe2", tok.Piece(3+0xe2))
	assert.Equal(t, " hello", tok.Piece(spmHello))
	assert.Equal(t, "", tok.Piece(1), "control tokens render empty")
	assert.Equal(t, "", tok.Piece(-1))
	assert.Equal(t, "", tok.Piece(100000))

	g := newTokenizer(t, gpt2Fixture())
	assert.Equal(t, " world", g.Piece(264))
}

func TestEndOfGeneration(t *testing.T) {
	v := gpt2Fixture()
	v.Values = append(v.Values, "<|im_end|>", "<|user|>")
	v.Types = append(v.Types, TokenTypeControl, TokenTypeUserDefined)
	tok := newTokenizer(t, v)
	voc := tok.Vocabulary()
	assert.True(t, voc.IsEOG(265))
	assert.True(t, voc.IsEOG(266), "control <|im_end|> ends a turn")
	assert.False(t, voc.IsEOG(267))
	assert.Equal(t, "<|user|>", tok.Piece(267))
	assert.Equal(t, []string{"<|endoftext|>", "<|im_end|>", "<|user|>"}, voc.SpecialTokens())
}

func TestNewRejectsBadVocabulary(t *testing.T) {
	_, err := New(&Vocabulary{Model: "bert", Values: []string{"a"}})
	assert.Error(t, err)

	_, err = New(&Vocabulary{Model: ModelSPM})
	assert.Error(t, err)

	_, err = New(&Vocabulary{Model: ModelSPM, Values: []string{"a"}, Types: []int32{1, 1}, BOS: -1, EOS: -1, PAD: -1, UNK: -1})
	assert.Error(t, err)

	_, err = New(&Vocabulary{Model: ModelSPM, Values: []string{"a"}, BOS: 5, EOS: -1, PAD: -1, UNK: -1})
	assert.Error(t, err)
}

func TestFromGGUF(t *testing.T) {
	fixture := spmFixture()
	w := gguf.NewWriter()
	w.AddKV("general.architecture", "llama")
	w.AddKV("tokenizer.ggml.model", "llama")
	w.AddKV("tokenizer.ggml.tokens", fixture.Values)
	w.AddKV("tokenizer.ggml.scores", fixture.Scores)
	w.AddKV("tokenizer.ggml.token_type", fixture.Types)
	w.AddKV("tokenizer.ggml.bos_token_id", uint32(1))
	w.AddKV("tokenizer.ggml.eos_token_id", uint32(2))
	w.AddKV("tokenizer.ggml.unknown_token_id", uint32(0))
	b, err := w.Bytes()
	require.NoError(t, err)
	f, err := gguf.Parse(b)
	require.NoError(t, err)

	tok, err := FromGGUF(f)
	require.NoError(t, err)
	v := tok.Vocabulary()
	assert.Equal(t, int32(1), v.BOS)
	assert.Equal(t, int32(2), v.EOS)
	assert.True(t, v.AddBOS)
	assert.True(t, v.AddSpacePrefix)
	assert.True(t, v.IsEOG(2))

	ids, err := tok.Encode("hello world", true)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, spmHello, spmW, spmOr, spmLd}, ids)
}

func TestFromGGUFErrors(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]any
		want error
	}{
		{"no model", map[string]any{"tokenizer.ggml.tokens": []string{"a"}}, gguf.ErrMissingHyperparameter},
		{"no tokens", map[string]any{"tokenizer.ggml.model": "llama"}, gguf.ErrMissingHyperparameter},
		{"unsupported", map[string]any{"tokenizer.ggml.model": "bert", "tokenizer.ggml.tokens": []string{"a"}}, gguf.ErrUnsupportedModel},
		{"ragged scores", map[string]any{
			"tokenizer.ggml.model":  "llama",
			"tokenizer.ggml.tokens": []string{"a", "b"},
			"tokenizer.ggml.scores": []float32{0},
		}, gguf.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := gguf.NewWriter()
			for k, v := range tt.kv {
				w.AddKV(k, v)
			}
			b, err := w.Bytes()
			require.NoError(t, err)
			f, err := gguf.Parse(b)
			require.NoError(t, err)

			_, err = FromGGUF(f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
