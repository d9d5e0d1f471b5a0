package tokenizer

import (
	"cmp"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

type symbol struct {
	prev, next int
	text       string
}

// pair is a merge candidate between adjacent symbols. Lower rank merges
// first; ties go to the leftmost pair.
type pair struct {
	left, right int
	rank        float64
	text        string
}

// rankFunc reports the rank of merging left and right, or false when the
// pair must not merge.
type rankFunc func(left, right string) (float64, bool)

// merge repeatedly joins the best ranked adjacent pair of pieces and
// returns the surviving pieces in order.
func merge(pieces []string, rank rankFunc) []string {
	if len(pieces) < 2 {
		return pieces
	}

	symbols := make([]symbol, len(pieces))
	for i, p := range pieces {
		symbols[i] = symbol{prev: i - 1, next: i + 1, text: p}
	}

	pairs := heap.NewWith(func(a, b *pair) int {
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		return cmp.Compare(a.left, b.left)
	})

	candidate := func(a, b int) {
		if a < 0 || b >= len(symbols) {
			return
		}
		left, right := symbols[a].text, symbols[b].text
		if r, ok := rank(left, right); ok {
			pairs.Push(&pair{left: a, right: b, rank: r, text: left + right})
		}
	}

	for i := 0; i < len(symbols)-1; i++ {
		candidate(i, i+1)
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := &symbols[p.left], &symbols[p.right]
		// Stale: one side already merged elsewhere.
		if left.text == "" || right.text == "" || left.next != p.right || left.text+right.text != p.text {
			continue
		}

		left.text = p.text
		right.text = ""
		left.next = right.next
		if right.next < len(symbols) {
			symbols[right.next].prev = p.left
		}

		candidate(left.prev, p.left)
		candidate(p.left, left.next)
	}

	out := make([]string, 0, len(symbols))
	for i := 0; i < len(symbols); i = symbols[i].next {
		out = append(out, symbols[i].text)
	}
	return out
}
