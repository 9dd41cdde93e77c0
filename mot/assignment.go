package mot

import "math"

const (
	// SCALE_FACTOR quantizes costs so that equal float costs compare equal.
	SCALE_FACTOR = 1_000_000.0
	// forbiddenCost marks a gated pair in float cost matrices.
	forbiddenCost = math.MaxFloat64
	// maxQuantized is the quantized cost of 1.0
	maxQuantized = int64(SCALE_FACTOR)
	// paddingCost is paid for every row or column left without a real pair.
	// It exceeds any real cost, so an extra real pair always lowers the total.
	paddingCost = maxQuantized + 1
)

// solveMinCost solves rectangular assignment minimizing total cost.
// cost[i][j] == forbiddenCost marks a pair which must never be assigned.
// Returns pairs {row, col} ordered by row.
//
// Among optimal assignments the lexicographically smallest one wins: row 0
// takes the lowest column it can take without losing optimality, then row 1,
// and so on. A row left unassigned ranks after every column. Costs are
// quantized by SCALE_FACTOR, so optimality is checked on exact integers.
func solveMinCost(cost [][]float64) [][2]int {
	n := len(cost)
	if n == 0 {
		return [][2]int{}
	}
	m := len(cost[0])
	if m == 0 {
		return [][2]int{}
	}
	// -1 marks a forbidden pair
	q := make([][]int64, n)
	for i := range q {
		q[i] = make([]int64, m)
		for j := range q[i] {
			if cost[i][j] == forbiddenCost {
				q[i][j] = -1
				continue
			}
			q[i][j] = int64(math.Round(clampFloat64(cost[i][j], 0, 1) * SCALE_FACTOR))
		}
	}

	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	cols := make([]int, m)
	for j := range cols {
		cols[j] = j
	}
	best, current := optimalAssignment(q, rows, cols)

	result := make([][2]int, 0, minInt(n, m))
	var fixed int64
	for i := 0; i < n; i++ {
		rows = rows[1:]
		chosen := current[i]
		limit := m
		if chosen >= 0 {
			limit = chosen
		}
		// Only columns below the known optimal one can improve the order
		for _, j := range cols {
			if j >= limit {
				break
			}
			if q[i][j] < 0 {
				continue
			}
			value, assignment := optimalAssignment(q, rows, withoutInt(cols, j))
			if fixed+q[i][j]-paddingCost+value == best {
				chosen = j
				current = assignment
				break
			}
		}
		if chosen < 0 {
			continue
		}
		fixed += q[i][chosen] - paddingCost
		cols = withoutInt(cols, chosen)
		result = append(result, [2]int{i, chosen})
	}
	return result
}

// optimalAssignment solves sub-problem over given rows and columns of q.
// Returns objective value (sum of costs of real pairs minus paddingCost per
// real pair) and assigned column per row of q, -1 for unassigned rows.
func optimalAssignment(q [][]int64, rows, cols []int) (int64, []int) {
	assignment := make([]int, len(q))
	for i := range assignment {
		assignment[i] = -1
	}
	if len(rows) == 0 || len(cols) == 0 {
		return 0, assignment
	}
	dim := maxInt(len(rows), len(cols))
	c := make([][]int64, dim)
	for a := 0; a < dim; a++ {
		c[a] = make([]int64, dim)
		for b := 0; b < dim; b++ {
			c[a][b] = paddingCost
			if a < len(rows) && b < len(cols) && q[rows[a]][cols[b]] >= 0 {
				c[a][b] = q[rows[a]][cols[b]]
			}
		}
	}
	rowAssign := hungarianInt64(c)
	var total int64
	for a := 0; a < dim; a++ {
		b := rowAssign[a]
		total += c[a][b]
		if a < len(rows) && b < len(cols) && q[rows[a]][cols[b]] >= 0 {
			assignment[rows[a]] = cols[b]
		}
	}
	return total - paddingCost*int64(dim), assignment
}

func withoutInt(values []int, skip int) []int {
	out := make([]int, 0, len(values))
	for _, v := range values {
		if v != skip {
			out = append(out, v)
		}
	}
	return out
}

// hungarianInt64 is Kuhn-Munkres with potentials (Jonker-Volgenant variant) over a
// square integer matrix. Returns assigned column per row.
func hungarianInt64(c [][]int64) []int {
	dim := len(c)
	const inf = math.MaxInt64 / 4

	// 1-indexed arrays, index 0 is the virtual column
	u := make([]int64, dim+1)
	v := make([]int64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]int64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := int64(inf)
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		// Augment along the path
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	rowAssign := make([]int, dim)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 {
			rowAssign[p[j]-1] = j - 1
		}
	}
	return rowAssign
}
