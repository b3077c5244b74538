package pipeline

import "github.com/panjf2000/ants/v2"

// Depths returns the per-stage pipeline depths, in declaration order.
func (p *Pipeline[T]) Depths() []int {
	return p.depths
}

// Order returns the compiled same-round evaluation order.
func (p *Pipeline[T]) Order() []int {
	return p.order
}

// Pool returns the underlying worker pool.
func (p *Pipeline[T]) Pool() *ants.Pool {
	return p.pool
}
