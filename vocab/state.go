package vocab

import "fmt"

// State is an ordered sequence of canonical words. Two states are equal
// iff they have the same length and the same word identities in order.
type State []*Word

func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for i, w := range s {
		if w != other[i] {
			return false
		}
	}
	return true
}

// Dist is the total edit distance to the target vocabulary, summed over
// per-order word distances.
func (s State) Dist() float64 {
	dist := 0.0
	for order, w := range s {
		dist += w.EditDistAt(order)
	}
	return dist
}

// Done reports whether the state matches the target vocabulary exactly.
func (s State) Done() bool {
	return s.Dist() == 0
}

// Alignments returns the per-order source and target alignment vectors.
func (s State) Alignments() (src [][]int, tgt [][]int) {
	src = make([][]int, len(s))
	tgt = make([][]int, len(s))
	for order, w := range s {
		almt := w.AlignmentAt(order)
		src[order] = almt.Src
		tgt[order] = almt.Tgt
	}
	return src, tgt
}

// FromPadded builds a state from a dense [N, M] id array with companion
// lengths. Cells beyond lengths[i] must equal PAD.
func FromPadded(arr [][]Symbol, lengths []int, ws *WordSpace) (State, error) {
	if len(arr) != len(lengths) {
		return nil, fmt.Errorf("padded array has %d rows but %d lengths", len(arr), len(lengths))
	}
	state := make(State, len(arr))
	for i, row := range arr {
		n := lengths[i]
		if n < 0 || n > len(row) {
			return nil, fmt.Errorf("row %d: length %d out of range [0, %d]", i, n, len(row))
		}
		for j := n; j < len(row); j++ {
			if row[j] != PAD {
				return nil, fmt.Errorf("row %d: cell %d beyond length %d is not PAD", i, j, n)
			}
		}
		state[i] = ws.Get(IdSeq(row[:n]))
	}
	return state, nil
}

// ToPadded writes the state back as a dense array padded with PAD to the
// longest word.
func (s State) ToPadded() ([][]Symbol, []int) {
	maxLen := 0
	lengths := make([]int, len(s))
	for i, w := range s {
		lengths[i] = w.Len()
		if w.Len() > maxLen {
			maxLen = w.Len()
		}
	}
	arr := make([][]Symbol, len(s))
	for i, w := range s {
		row := make([]Symbol, maxLen)
		copy(row, w.IDs)
		arr[i] = row
	}
	return arr, lengths
}
