package contrast

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"golmm/domain/core"
)

// rankTolerance is the relative singular-value cutoff for the full-rank check
const rankTolerance = 1e-10

// BuildHypothesisMatrix assembles the k x k hypothesis matrix for a
// specification: an intercept row of uniform weight 1/k first, then one row
// per contrast in specification order. Fails with ErrSingularHypothesis when
// the rows are not mutually independent, because such contrasts cannot all
// be estimated by one model.
func BuildHypothesisMatrix(spec Spec) (HypothesisMatrix, error) {
	k := spec.Factor.NumLevels()

	m := mat.NewDense(k, k, nil)
	rowNames := make([]string, k)

	rowNames[0] = "intercept"
	for col := 0; col < k; col++ {
		m.Set(0, col, 1.0/float64(k))
	}

	for i, c := range spec.Contrasts {
		rowNames[i+1] = c.Name
		for col, level := range spec.Factor.Levels {
			m.Set(i+1, col, c.WeightFor(level))
		}
	}

	h := HypothesisMatrix{
		RowNames: rowNames,
		Levels:   append([]string(nil), spec.Factor.Levels...),
		M:        m,
	}

	if rank := matrixRank(m); rank < k {
		return HypothesisMatrix{}, core.NewSingularHypothesisError(rank, k)
	}
	return h, nil
}

// matrixRank computes the numerical rank via SVD with a relative tolerance
func matrixRank(m *mat.Dense) int {
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

// DeriveCoding inverts the hypothesis matrix and drops the intercept column,
// leaving one code column per contrast, indexed by factor level. The square
// full-rank case uses the ordinary inverse.
func DeriveCoding(h HypothesisMatrix) (CodingMatrix, error) {
	rows, cols := h.M.Dims()
	if rows != cols {
		return derivePseudoCoding(h)
	}

	inverse := mat.NewDense(rows, cols, nil)
	if err := inverse.Inverse(h.M); err != nil {
		return CodingMatrix{}, fmt.Errorf("%w: %v", core.ErrNonInvertibleMatrix, err)
	}
	return codingFromInverse(h, inverse), nil
}

// derivePseudoCoding covers the relaxed non-square case (fewer hypotheses
// than levels) with the Moore-Penrose pseudo-inverse.
func derivePseudoCoding(h HypothesisMatrix) (CodingMatrix, error) {
	pinv, err := pseudoInverse(h.M)
	if err != nil {
		return CodingMatrix{}, fmt.Errorf("%w: %v", core.ErrNonInvertibleMatrix, err)
	}
	return codingFromInverse(h, pinv), nil
}

func codingFromInverse(h HypothesisMatrix, inverse *mat.Dense) CodingMatrix {
	rows, _ := inverse.Dims()
	numContrasts := len(h.RowNames) - 1

	coding := mat.NewDense(rows, numContrasts, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < numContrasts; j++ {
			// column 0 of the inverse belongs to the intercept hypothesis
			coding.Set(i, j, inverse.At(i, j+1))
		}
	}

	return CodingMatrix{
		Levels:        append([]string(nil), h.Levels...),
		ContrastNames: append([]string(nil), h.RowNames[1:]...),
		M:             coding,
	}
}

// pseudoInverse computes the Moore-Penrose inverse via thin SVD
func pseudoInverse(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return nil, fmt.Errorf("matrix has no nonzero singular values")
	}

	tol := values[0] * rankTolerance
	sigmaInv := mat.NewDense(len(values), len(values), nil)
	for i, s := range values {
		if s > tol {
			sigmaInv.Set(i, i, 1/s)
		}
	}

	rows, cols := m.Dims()
	pinv := mat.NewDense(cols, rows, nil)
	var tmp mat.Dense
	tmp.Mul(&v, sigmaInv)
	pinv.Mul(&tmp, u.T())
	return pinv, nil
}

// BuildCoding is the one-call path from specification to coding matrix
func BuildCoding(spec Spec) (HypothesisMatrix, CodingMatrix, error) {
	h, err := BuildHypothesisMatrix(spec)
	if err != nil {
		return HypothesisMatrix{}, CodingMatrix{}, err
	}
	c, err := DeriveCoding(h)
	if err != nil {
		return HypothesisMatrix{}, CodingMatrix{}, err
	}
	return h, c, nil
}

// BuildPartialHypothesisMatrix relaxes the square contract: fewer than k-1
// contrasts produce an r x k matrix (r = 1 + number of contrasts) whose
// coding is derived through the pseudo-inverse. Rows must still be mutually
// independent.
func BuildPartialHypothesisMatrix(spec PartialSpec) (HypothesisMatrix, error) {
	k := spec.Factor.NumLevels()
	r := 1 + len(spec.Contrasts)
	if r > k {
		return HypothesisMatrix{}, fmt.Errorf("factor %s with %d levels admits at most %d contrasts, got %d",
			spec.Factor.Name, k, k-1, len(spec.Contrasts))
	}

	m := mat.NewDense(r, k, nil)
	rowNames := make([]string, r)

	rowNames[0] = "intercept"
	for col := 0; col < k; col++ {
		m.Set(0, col, 1.0/float64(k))
	}
	for i, c := range spec.Contrasts {
		rowNames[i+1] = c.Name
		for col, level := range spec.Factor.Levels {
			m.Set(i+1, col, c.WeightFor(level))
		}
	}

	if rank := matrixRank(m); rank < r {
		return HypothesisMatrix{}, core.NewSingularHypothesisError(rank, r)
	}

	return HypothesisMatrix{
		RowNames: rowNames,
		Levels:   append([]string(nil), spec.Factor.Levels...),
		M:        m,
	}, nil
}
