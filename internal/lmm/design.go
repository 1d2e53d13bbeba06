package lmm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/contrast"
	"golmm/domain/core"
	"golmm/domain/model"
	"golmm/domain/observation"
)

// rankTolerance is relative to the largest singular value when deciding
// whether the fixed-effect design is rank deficient.
const rankTolerance = 1e-10

// interceptTerm is the display name of the fixed intercept column
const interceptTerm = "(Intercept)"

// grouping holds the random-effect layout for one grouping factor
type grouping struct {
	name       model.Grouping
	levels     []string
	index      []int
	terms      []string
	nLevels    int
	dim        int
	correlated bool
}

// q is the number of random-effect coefficients this grouping contributes
func (g grouping) q() int {
	return g.nLevels * g.dim
}

// numTheta is the number of covariance parameters this grouping contributes
func (g grouping) numTheta() int {
	if g.correlated {
		return g.dim * (g.dim + 1) / 2
	}
	return g.dim
}

// design holds the assembled model matrices for one fit. X columns are the
// intercept followed by the coded contrast columns named in the
// specification; Z stacks every grouping factor's indicator-times-term
// columns side by side, grouping order matching groups.
type design struct {
	y      []float64
	X      *mat.Dense
	Z      *mat.Dense
	terms  []string
	groups []grouping
	n      int
	p      int
	qTotal int

	// Gram matrices precomputed once per fit
	XtX *mat.Dense
	ZtZ *mat.Dense
	ZtX *mat.Dense
	Zty *mat.VecDense
	Xty *mat.VecDense
	yty float64
}

// newDesign assembles the response vector and model matrices for a fit and
// validates that the fixed-effect design has full column rank.
func newDesign(data contrast.CodedDataset, spec model.Spec) (*design, error) {
	n := data.Dataset.Len()
	if n == 0 {
		return nil, fmt.Errorf("build design: %w", core.ErrEmptyDataset)
	}

	y, err := observation.OutcomeVector(data.Dataset, spec.Outcome, spec.Transform)
	if err != nil {
		return nil, fmt.Errorf("build response: %w", err)
	}

	columns := make(map[string][]float64, len(data.Columns))
	for _, col := range data.Columns {
		columns[col.Name] = col.Values
	}

	terms := append([]string{interceptTerm}, spec.FixedTerms...)
	p := len(terms)
	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
	}
	for j, term := range spec.FixedTerms {
		values, ok := columns[term]
		if !ok {
			return nil, fmt.Errorf("fixed term %q has no coded column", term)
		}
		for i := 0; i < n; i++ {
			X.Set(i, j+1, values[i])
		}
	}

	if rank := matrixRank(X); rank < p {
		return nil, core.NewDegenerateFitError(
			fmt.Sprintf("fixed-effect design is rank deficient (rank %d of %d columns)", rank, p))
	}

	groups, qTotal, err := buildGroupings(data, spec, columns, n)
	if err != nil {
		return nil, err
	}

	d := &design{
		y:      y,
		X:      X,
		terms:  terms,
		groups: groups,
		n:      n,
		p:      p,
		qTotal: qTotal,
	}
	d.Z = buildZ(data, groups, columns, n, qTotal)
	d.precomputeGrams()
	return d, nil
}

// buildGroupings resolves each random-effect grouping factor against the
// dataset, erroring when a grouping would have fewer levels than random
// effects can support.
func buildGroupings(data contrast.CodedDataset, spec model.Spec, columns map[string][]float64, n int) ([]grouping, int, error) {
	groups := make([]grouping, 0, len(spec.Random))
	qTotal := 0
	for _, rs := range spec.Random {
		var labels []string
		switch rs.Grouping {
		case model.GroupBySubject:
			labels = data.Dataset.Subjects()
		case model.GroupByItem:
			labels = data.Dataset.Items()
		default:
			return nil, 0, fmt.Errorf("unsupported grouping factor %q", rs.Grouping)
		}
		if len(labels) < 2 {
			return nil, 0, fmt.Errorf("grouping %s has %d level(s): %w",
				rs.Grouping, len(labels), core.ErrInsufficientData)
		}

		levelIdx := make(map[string]int, len(labels))
		for i, l := range labels {
			levelIdx[l] = i
		}
		index := make([]int, n)
		for i, obs := range data.Dataset.Observations {
			switch rs.Grouping {
			case model.GroupBySubject:
				index[i] = levelIdx[obs.Subject]
			case model.GroupByItem:
				index[i] = levelIdx[obs.Item]
			}
		}

		terms := rs.Terms()
		for _, term := range terms {
			if term == "1" {
				continue
			}
			if _, ok := columns[term]; !ok {
				return nil, 0, fmt.Errorf("random slope %q has no coded column", term)
			}
		}

		g := grouping{
			name:       rs.Grouping,
			levels:     labels,
			index:      index,
			terms:      terms,
			nLevels:    len(labels),
			dim:        len(terms),
			correlated: rs.Correlated,
		}
		groups = append(groups, g)
		qTotal += g.q()
	}
	return groups, qTotal, nil
}

// buildZ materializes the random-effect model matrix. Coefficients for one
// grouping are laid out level-major: all terms for level 0, then level 1.
func buildZ(data contrast.CodedDataset, groups []grouping, columns map[string][]float64, n, qTotal int) *mat.Dense {
	Z := mat.NewDense(n, qTotal, nil)
	offset := 0
	for _, g := range groups {
		for i := 0; i < n; i++ {
			base := offset + g.index[i]*g.dim
			for t, term := range g.terms {
				v := 1.0
				if term != "1" {
					v = columns[term][i]
				}
				Z.Set(i, base+t, v)
			}
		}
		offset += g.q()
	}
	return Z
}

// precomputeGrams forms the cross-product matrices the profiled deviance
// reuses at every objective evaluation.
func (d *design) precomputeGrams() {
	yVec := mat.NewVecDense(d.n, d.y)

	d.XtX = mat.NewDense(d.p, d.p, nil)
	d.XtX.Mul(d.X.T(), d.X)

	d.ZtZ = mat.NewDense(d.qTotal, d.qTotal, nil)
	d.ZtZ.Mul(d.Z.T(), d.Z)

	d.ZtX = mat.NewDense(d.qTotal, d.p, nil)
	d.ZtX.Mul(d.Z.T(), d.X)

	d.Zty = mat.NewVecDense(d.qTotal, nil)
	d.Zty.MulVec(d.Z.T(), yVec)

	d.Xty = mat.NewVecDense(d.p, nil)
	d.Xty.MulVec(d.X.T(), yVec)

	d.yty = mat.Dot(yVec, yVec)
}

// numTheta is the total covariance parameter count across groupings
func (d *design) numTheta() int {
	total := 0
	for _, g := range d.groups {
		total += g.numTheta()
	}
	return total
}

// matrixRank counts singular values above a relative tolerance
func matrixRank(m mat.Matrix) int {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	tol := values[0] * rankTolerance
	rank := 0
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	return rank
}
