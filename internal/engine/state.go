package engine

// State is the scratch memory of one session. It is reused across calls
// and must not be shared between goroutines.
type State struct {
	batch   int
	dim     int
	vocab   int
	lastRow int

	x, xb      [][]float32
	q, att     [][]float32
	k, v       [][]float32
	hb, hb2    [][]float32
	cos, sin   [][]float32
	logits     []float32
	headScores [][]float32
	// headRows holds one unpacked cache row per query head.
	headRows [][]float32
}

// NewState allocates scratch for up to batch positions per step. batch <= 0
// selects DefaultBatch.
func (e *Engine) NewState(batch int) *State {
	if batch <= 0 {
		batch = DefaultBatch
	}
	c := &e.cfg
	qDim := c.Heads * c.HeadDim
	rows := func(width int) [][]float32 {
		buf := make([]float32, batch*width)
		out := make([][]float32, batch)
		for i := range out {
			out[i] = buf[i*width : (i+1)*width : (i+1)*width]
		}
		return out
	}
	return &State{
		batch:      batch,
		dim:        c.Dim,
		vocab:      c.VocabSize,
		x:          rows(c.Dim),
		xb:         rows(c.Dim),
		q:          rows(qDim),
		att:        rows(qDim),
		k:          rows(c.KVDim()),
		v:          rows(c.KVDim()),
		hb:         rows(c.HiddenDim),
		hb2:        rows(c.HiddenDim),
		cos:        rows(c.RotaryDim() / 2),
		sin:        rows(c.RotaryDim() / 2),
		logits:     make([]float32, c.VocabSize),
		headScores: make([][]float32, c.Heads),
		headRows:   headRows(c.Heads, c.HeadDim),
	}
}

func headRows(heads, width int) [][]float32 {
	buf := make([]float32, heads*width)
	out := make([][]float32, heads)
	for h := range out {
		out[h] = buf[h*width : (h+1)*width : (h+1)*width]
	}
	return out
}

func (st *State) Batch() int { return st.batch }

// scores returns the attention score buffer of head h, grown to n. Each
// head is only touched by the worker that owns it.
func (st *State) scores(h, n int) []float32 {
	if cap(st.headScores[h]) < n {
		st.headScores[h] = make([]float32, n, max(n, 2*cap(st.headScores[h])))
	}
	return st.headScores[h][:n]
}
