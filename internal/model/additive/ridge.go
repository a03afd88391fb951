package additive

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var errSingular = errors.New("normal equations are singular")

// ridge solves (XᵀX + diag(penalty)) β = Xᵀy by Cholesky factorisation.
// An ill-conditioned but positive definite system still yields a solution.
func ridge(x [][]float64, y []float64, penalty []float64) ([]float64, error) {
	p := len(penalty)
	design := mat.NewDense(len(x), p, nil)
	for r, row := range x {
		design.SetRow(r, row[:p])
	}

	var gram mat.SymDense
	gram.SymOuterK(1, design.T())
	for i, pen := range penalty {
		gram.SetSym(i, i, gram.At(i, i)+pen)
	}

	var rhs mat.VecDense
	rhs.MulVec(design.T(), mat.NewVecDense(len(y), y))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errSingular
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	return mat.Col(nil, 0, &beta), nil
}
