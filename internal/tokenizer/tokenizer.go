package tokenizer

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
)

const (
	defaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`
	llama3Pretokenizer  = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	qwen2Pretokenizer   = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

// Tokenizer converts between text and token ids for one vocabulary. It is
// safe for concurrent use.
type Tokenizer struct {
	vocab *Vocabulary
	pre   []*regexp2.Regexp
}

// New indexes v and prepares the encoder for v.Model. Pretokenizer patterns
// only apply to byte-level vocabularies; none selects the GPT-2 default.
func New(v *Vocabulary, pretokenizers ...string) (*Tokenizer, error) {
	switch v.Model {
	case ModelSPM, ModelGPT2:
	default:
		return nil, fmt.Errorf("unsupported tokenizer model %q", v.Model)
	}
	if err := v.index(); err != nil {
		return nil, err
	}

	t := &Tokenizer{vocab: v}
	if v.Model == ModelGPT2 {
		if len(pretokenizers) == 0 {
			pretokenizers = []string{defaultPretokenizer}
		}
		for _, p := range pretokenizers {
			re, err := regexp2.Compile(p, regexp2.RE2)
			if err != nil {
				return nil, fmt.Errorf("pretokenizer %q: %w", p, err)
			}
			t.pre = append(t.pre, re)
		}
	}
	return t, nil
}

// FromGGUF reads the tokenizer.ggml.* metadata of a checkpoint.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	model, ok := f.GetString("tokenizer.ggml.model")
	if !ok {
		return nil, gguf.NewLoadError(gguf.ErrMissingHyperparameter, "tokenizer.ggml.model")
	}
	tokens, ok := f.GetStrings("tokenizer.ggml.tokens")
	if !ok {
		return nil, gguf.NewLoadError(gguf.ErrMissingHyperparameter, "tokenizer.ggml.tokens")
	}

	v := &Vocabulary{
		Model:  model,
		Values: tokens,
		BOS:    -1,
		EOS:    -1,
		PAD:    -1,
		UNK:    -1,
	}
	v.Scores, _ = f.GetFloat32s("tokenizer.ggml.scores")
	v.Types, _ = f.GetInt32s("tokenizer.ggml.token_type")
	v.Merges, _ = f.GetStrings("tokenizer.ggml.merges")

	id := func(key string, dst *int32) {
		if u, ok := f.GetUint(key); ok {
			*dst = int32(u)
		}
	}
	id("tokenizer.ggml.bos_token_id", &v.BOS)
	id("tokenizer.ggml.eos_token_id", &v.EOS)
	id("tokenizer.ggml.padding_token_id", &v.PAD)
	id("tokenizer.ggml.unknown_token_id", &v.UNK)
	for _, key := range []string{"tokenizer.ggml.eot_token_id", "tokenizer.ggml.eom_token_id"} {
		eog := int32(-1)
		id(key, &eog)
		if eog >= 0 && !slices.Contains(v.EOG, eog) {
			v.EOG = append(v.EOG, eog)
		}
	}

	flag := func(key string, def bool) bool {
		if b, ok := f.GetBool(key); ok {
			return b
		}
		return def
	}
	switch model {
	case ModelSPM:
		if v.UNK < 0 {
			v.UNK = 0
		}
		v.AddBOS = flag("tokenizer.ggml.add_bos_token", true)
		v.AddSpacePrefix = flag("tokenizer.ggml.add_space_prefix", true)
	case ModelGPT2:
		v.AddBOS = flag("tokenizer.ggml.add_bos_token", false)
		v.AddSpacePrefix = flag("tokenizer.ggml.add_space_prefix", false)
	default:
		return nil, gguf.NewLoadError(gguf.ErrUnsupportedModel, "tokenizer model %q", model)
	}
	v.AddEOS = flag("tokenizer.ggml.add_eos_token", false)

	var pre []string
	if p, ok := f.GetString("tokenizer.ggml.pretokenizer"); ok {
		pre = append(pre, p)
	} else {
		pre = pretokenizerFor(f)
	}

	t, err := New(v, pre...)
	if err != nil {
		return nil, gguf.NewLoadError(gguf.ErrShapeMismatch, "tokenizer: %v", err)
	}
	logger.Log.Debug("tokenizer loaded",
		"model", model,
		"tokens", len(tokens),
		"merges", len(v.Merges),
		"bos", v.BOS,
		"eos", v.EOS,
	)
	return t, nil
}

func pretokenizerFor(f *gguf.GGUFFile) []string {
	name, _ := f.GetString("tokenizer.ggml.pre")
	switch name {
	case "llama-bpe", "llama3", "smaug-bpe":
		return []string{llama3Pretokenizer}
	case "qwen2", "deepseek-llm":
		return []string{qwen2Pretokenizer}
	}
	return nil
}

func (t *Tokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

// fragment is a run of text or an already resolved special token.
type fragment struct {
	value  string
	offset int
	id     int32
}

// splitSpecial cuts control and user-defined token strings out of s.
func (t *Tokenizer) splitSpecial(s string) []fragment {
	frags := []fragment{{value: s, id: -1}}
	for _, special := range t.vocab.special {
		id := t.vocab.Lookup(special)
		for i := 0; i < len(frags); i++ {
			frag := frags[i]
			if frag.id >= 0 {
				continue
			}
			j := strings.Index(frag.value, special)
			if j < 0 {
				continue
			}

			var middle []fragment
			if j > 0 {
				middle = append(middle, fragment{value: frag.value[:j], offset: frag.offset, id: -1})
			}
			middle = append(middle, fragment{value: special, offset: frag.offset + j, id: id})
			if rest := frag.value[j+len(special):]; rest != "" {
				middle = append(middle, fragment{value: rest, offset: frag.offset + j + len(special), id: -1})
			}
			frags = slices.Replace(frags, i, i+1, middle...)
		}
	}
	return frags
}

// Encode converts text to token ids. With addSpecial the vocabulary's BOS
// and EOS conventions are applied.
func (t *Tokenizer) Encode(s string, addSpecial bool) ([]int32, error) {
	start := time.Now()

	var ids []int32
	var unknown int
	prevSpecial := true
	for _, frag := range t.splitSpecial(s) {
		if frag.id >= 0 {
			ids = append(ids, frag.id)
			prevSpecial = true
			continue
		}

		var err error
		var n int
		switch t.vocab.Model {
		case ModelSPM:
			ids, n, err = t.encodeSPM(ids, frag, prevSpecial)
		default:
			ids, n, err = t.encodeBPE(ids, frag)
		}
		if err != nil {
			return nil, err
		}
		unknown += n
		prevSpecial = false
	}

	if addSpecial {
		if t.vocab.AddBOS && t.vocab.BOS >= 0 {
			if len(ids) > 0 && ids[0] == t.vocab.BOS {
				logger.Log.Warn("prompt already starts with bos token", "id", t.vocab.BOS)
			} else {
				ids = slices.Insert(ids, 0, t.vocab.BOS)
			}
		}
		if t.vocab.AddEOS && t.vocab.EOS >= 0 {
			ids = append(ids, t.vocab.EOS)
		}
	}

	metrics.RecordTokenizerEncode(len(ids), unknown, time.Since(start))
	return ids, nil
}

// fallback appends the byte tokens of piece, or UNK when a byte has no
// token. It returns the number of UNK tokens used.
func (t *Tokenizer) fallback(ids []int32, piece string, offset int, byteID func(byte) int32) ([]int32, int, error) {
	var unknown int
	for i := 0; i < len(piece); i++ {
		if id := byteID(piece[i]); id >= 0 {
			ids = append(ids, id)
			continue
		}
		if t.vocab.UNK < 0 {
			return nil, 0, &TokenizeError{Piece: piece, Offset: offset, Err: ErrUnencodable}
		}
		// One UNK per character, not per byte.
		ids = append(ids, t.vocab.UNK)
		unknown++
		_, size := utf8.DecodeRuneInString(piece[i:])
		i += size - 1
	}
	return ids, unknown, nil
}

// Piece returns the raw bytes token id contributes to generated text. The
// result may be an incomplete UTF-8 sequence.
func (t *Tokenizer) Piece(id int32) string {
	v := t.vocab
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	s := v.Values[id]
	switch v.Type(id) {
	case TokenTypeControl, TokenTypeUnused:
		return ""
	case TokenTypeUserDefined:
		return s
	case TokenTypeByte:
		if b, ok := parseByteToken(s); ok {
			return string([]byte{b})
		}
	}
	if v.Model == ModelSPM {
		return strings.ReplaceAll(s, spmSpace, " ")
	}
	return decodeByteLevel(s)
}

// Decode renders a complete token sequence as text, dropping control tokens
// and the space prefix Encode adds.
func (t *Tokenizer) Decode(ids []int32) string {
	start := time.Now()
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.Piece(id))
	}
	out := sb.String()
	if t.vocab.AddSpacePrefix {
		out = strings.TrimPrefix(out, " ")
	}
	metrics.RecordTokenizerDecode(time.Since(start))
	return out
}
