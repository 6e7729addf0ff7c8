package tracker

import "math"

// forbidden marks a pair the solver must never select.
const forbidden = 1e18

// assign solves the rectangular minimum-cost assignment problem with the
// Kuhn-Munkres algorithm (potentials form, O(n^3)). It returns rows[i] =
// the column matched to row i, or -1 when row i is left unmatched. Entries
// >= forbidden are treated as infeasible. The matching has the most
// feasible pairs possible and, among those, the lowest total cost.
func assign(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])
	out := make([]int, rows)
	for i := range out {
		out[i] = -1
	}
	if cols == 0 {
		return out
	}

	// Padded and infeasible cells cost more than every feasible pair
	// together, but stay small enough that the potentials keep the
	// precision of the real costs.
	blocked := 1.0
	for _, row := range cost {
		for _, c := range row {
			if c < forbidden {
				blocked += math.Abs(c)
			}
		}
	}

	n := max(rows, cols)
	at := func(i, j int) float64 {
		if i < rows && j < cols && cost[i][j] < forbidden {
			return cost[i][j]
		}
		return blocked
	}

	const inf = math.MaxFloat64 / 2
	// 1-indexed; column 0 is the virtual start of each augmenting path.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	owner := make([]int, n+1) // owner[j] = row matched to column j
	prev := make([]int, n+1)
	minv := make([]float64, n+1)
	seen := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		owner[0] = i
		j0 := 0
		for j := 1; j <= n; j++ {
			minv[j] = inf
			seen[j] = false
		}

		for {
			seen[j0] = true
			i0 := owner[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= n; j++ {
				if seen[j] {
					continue
				}
				if reduced := at(i0-1, j-1) - u[i0] - v[j]; reduced < minv[j] {
					minv[j] = reduced
					prev[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if seen[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if owner[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			owner[j0] = owner[prev[j0]]
			j0 = prev[j0]
		}
	}

	for j := 1; j <= n; j++ {
		i := owner[j] - 1
		if i < 0 || i >= rows || j-1 >= cols {
			continue
		}
		if cost[i][j-1] >= forbidden {
			continue
		}
		out[i] = j - 1
	}
	return out
}
