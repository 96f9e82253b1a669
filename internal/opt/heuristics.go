package opt

import "fieldroute/internal/model"

// costFunc returns the strategy cost of travelling from node i to node j.
type costFunc func(i, j int) float64

// tour is a candidate visiting sequence over the stop nodes. The start and
// end anchors, when present, stay fixed outside the sequence.
type tour struct {
	nodes []model.GeoStop // index -> stop, anchors excluded
	off   int             // matrix index of nodes[0]
	start int             // matrix index of start anchor or -1
	end   int             // matrix index of end anchor or -1
	cost  costFunc
	eps   func(best float64) float64
}

func (t *tour) idx(n int) int { return t.off + n }

// pathCost sums the cost of consecutive legs, anchors included.
func (t *tour) pathCost(seq []int) float64 {
	if len(seq) == 0 {
		return 0
	}
	total := 0.0
	if t.start >= 0 {
		total += t.cost(t.start, t.idx(seq[0]))
	}
	for i := 0; i < len(seq)-1; i++ {
		total += t.cost(t.idx(seq[i]), t.idx(seq[i+1]))
	}
	if t.end >= 0 {
		total += t.cost(t.idx(seq[len(seq)-1]), t.end)
	}
	return total
}

// ahead reports whether stop a wins a tie against stop b:
// higher priority first, then the lexicographically smaller id.
func (t *tour) ahead(a, b int) bool {
	sa, sb := t.nodes[a], t.nodes[b]
	if sa.Priority != sb.Priority {
		return sa.Priority > sb.Priority
	}
	return sa.ID < sb.ID
}

// better reports whether candidate cost c at stop j beats the incumbent bc at stop best.
func (t *tour) better(c float64, j int, bc float64, best int) bool {
	if best < 0 {
		return true
	}
	eps := t.eps(bc)
	if c < bc-eps {
		return true
	}
	if c > bc+eps {
		return false
	}
	return t.ahead(j, best)
}

// nearestNeighbor builds a greedy sequence. from is the first stop to visit or
// -1 to start from the start anchor.
func (t *tour) nearestNeighbor(from int) []int {
	n := len(t.nodes)
	visited := make([]bool, n)
	seq := make([]int, 0, n)
	cur := t.start
	if from >= 0 {
		seq = append(seq, from)
		visited[from] = true
		cur = t.idx(from)
	}
	for len(seq) < n {
		best, bc := -1, 0.0
		for j := 0; j < n; j++ {
			if visited[j] {
				continue
			}
			c := 0.0
			if cur >= 0 {
				c = t.cost(cur, t.idx(j))
			}
			if t.better(c, j, bc, best) {
				best, bc = j, c
			}
		}
		seq = append(seq, best)
		visited[best] = true
		cur = t.idx(best)
	}
	return seq
}

// improve2Opt applies 2-opt segment reversals until no sweep changes the
// sequence. A reversal is kept when prefer ranks it ahead and its cost stays
// inside the tolerance window of the cheapest sequence seen so far.
func (t *tour) improve2Opt(order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestCost := t.pathCost(best)
	floor := bestCost
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				c := t.pathCost(cand)
				if c > floor+t.eps(floor) || !t.prefer(cand, c, best, bestCost) {
					continue
				}
				best, bestCost = cand, c
				floor = min(floor, c)
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return best
}

// prefer compares two finished sequences: lower cost wins, near-equal costs
// fall back to the tie rule at the first differing position.
func (t *tour) prefer(a []int, ca float64, b []int, cb float64) bool {
	if b == nil {
		return true
	}
	eps := t.eps(cb)
	if ca < cb-eps {
		return true
	}
	if ca > cb+eps {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return t.ahead(a[i], b[i])
		}
	}
	return false
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}
