// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package sched

import (
	"math/rand"
	"time"
)

// BestEffort is the sentinel delay value meaning "bypass the outbound
// queue and send immediately" (§4.E DELAY_BEST_EFFORT).
const BestEffort time.Duration = -1

// DelayGenerator yields the next inter-probe gap on demand. Implementations
// are stateful: each call to Next may depend on prior calls.
type DelayGenerator interface {
	Next() time.Duration
}

// Constant always yields the same delay.
type Constant struct {
	D time.Duration
}

// Next implements DelayGenerator.
func (c Constant) Next() time.Duration { return c.D }

// Uniform yields a uniformly distributed delay in [Min, Max).
type Uniform struct {
	Min, Max time.Duration
	rng      *rand.Rand
}

// NewUniform builds a Uniform generator seeded from a fresh source.
func NewUniform(min, max time.Duration, seed int64) *Uniform {
	return &Uniform{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}
}

// Next implements DelayGenerator.
func (u *Uniform) Next() time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	span := u.Max - u.Min
	return u.Min + time.Duration(u.rng.Int63n(int64(span)))
}

// Poisson yields exponentially-distributed inter-arrival gaps with mean
// Mean — a "Poisson-ish" process per §4.E.
type Poisson struct {
	Mean time.Duration
	rng  *rand.Rand
}

// NewPoisson builds a Poisson generator seeded from a fresh source.
func NewPoisson(mean time.Duration, seed int64) *Poisson {
	return &Poisson{Mean: mean, rng: rand.New(rand.NewSource(seed))}
}

// Next implements DelayGenerator.
func (p *Poisson) Next() time.Duration {
	if p.Mean <= 0 {
		return 0
	}
	return time.Duration(p.rng.ExpFloat64() * float64(p.Mean))
}
