// Package pool keeps launched external engines alive between calls and hands
// them back out to callers whose requested startup options match. Engines are
// expensive to start, so the pool trades a cheap liveness probe per
// checkout/checkin for avoiding repeated relaunches.
package pool
