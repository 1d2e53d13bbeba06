package optim

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/optimize"

	"golmm/ports"
)

// OptimizerConfig describes one panel member for display
type OptimizerConfig struct {
	Name        string
	Description string
}

// Factory builds fresh optimizer instances by panel name. Every call to New
// returns independent state so concurrent fits never share an optimizer.
type Factory struct{}

// NewFactory creates the optimizer factory
func NewFactory() *Factory {
	return &Factory{}
}

// New maps a panel name to an optimizer instance
func (f *Factory) New(name string) (ports.OptimizerPort, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {

	case "neldermead", "nelder-mead", "nm", "simplex":
		return &gonumOptimizer{name: "neldermead", method: &optimize.NelderMead{}}, nil

	case "bfgs":
		return &gonumOptimizer{name: "bfgs", method: &optimize.BFGS{}, gradient: true}, nil

	case "lbfgs", "l-bfgs":
		return &gonumOptimizer{name: "lbfgs", method: &optimize.LBFGS{}, gradient: true}, nil

	case "cg", "conjugate-gradient", "conjugate_gradient":
		return &gonumOptimizer{name: "cg", method: &optimize.CG{}, gradient: true}, nil

	case "quadapprox", "quadratic-approximation", "bounded-quadratic":
		return NewQuadApprox(), nil

	default:
		return nil, fmt.Errorf("unknown optimizer: %s", name)
	}
}

// Available lists the canonical panel names
func (f *Factory) Available() []string {
	return []string{"neldermead", "bfgs", "lbfgs", "cg", "quadapprox"}
}

// Configs returns display metadata for every panel member
func (f *Factory) Configs() []OptimizerConfig {
	return []OptimizerConfig{
		{Name: "neldermead", Description: "Derivative-free simplex search"},
		{Name: "bfgs", Description: "Quasi-Newton with finite-difference gradients"},
		{Name: "lbfgs", Description: "Limited-memory quasi-Newton with finite-difference gradients"},
		{Name: "cg", Description: "Nonlinear conjugate gradient with finite-difference gradients"},
		{Name: "quadapprox", Description: "Bound-constrained successive quadratic approximation"},
	}
}
