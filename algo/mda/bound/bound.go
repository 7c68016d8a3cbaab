// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package bound implements the MDA stopping-rule engine of §4.H: for a
// target false-termination probability alpha and a maximum assumed
// load-balancer fan-out K, it computes n_k for every hypothesis
// k in [2, K] — the number of distinct flow identifiers that must be
// probed at a hop before concluding fewer than k next hops exist, while
// keeping the false-termination probability bounded by alpha.
//
// The computation is a line-for-line port of bound_build in
// libparistraceroute's algorithms/mda/bound.c: a Markov chain over "how
// many of the k branches a uniform-hash load balancer has sent probes
// down after i probes", walked diagonally with two alternating state
// vectors until the probability mass of still being undecided drops to
// alpha. The original accumulates in C `long double`; this port uses
// math/big.Float at 128 bits of precision instead, for the same reason
// the original reaches past `double` — the recursion multiplies many
// small probabilities together and loses precision fast in 64-bit float.
package bound

import "math/big"

const precision = 128

func newFloat(x float64) *big.Float {
	return new(big.Float).SetPrec(precision).SetFloat64(x)
}

func ratio(num, den int) *big.Float {
	return new(big.Float).SetPrec(precision).Quo(newFloat(float64(num)), newFloat(float64(den)))
}

// Table holds n_k for k in [2, K] at a fixed alpha.
type Table struct {
	Alpha float64
	K     int
	nk    []int // nk[k] valid for k in [2, K]; nk[0], nk[1] unused
}

// NAt returns n_k, the stopping point for hypothesis k. It panics if k is
// out of [2, K] — callers only ever probe hypotheses they have already
// bounded the table for.
func (t *Table) NAt(k int) int {
	if k < 2 || k > t.K {
		panic("bound: hypothesis out of range")
	}
	return t.nk[k]
}

// Build computes the stopping-rule table for hypotheses 2..k at
// false-termination probability alpha (bound_create + bound_build).
func Build(alpha float64, k int) *Table {
	t := &Table{Alpha: alpha, K: k, nk: make([]int, k+1)}

	// pk accumulates, per hypothesis boundary j+1, the probability mass
	// absorbed once that boundary's stopping point (already computed for
	// a smaller hypothesis) has been crossed — bound.c's pk_table.
	pk := make([]*big.Float, k+2)
	for i := range pk {
		pk[i] = newFloat(0)
	}
	conf := newFloat(alpha)

	// first/second are allocated once and reused across hypotheses,
	// mirroring bound_state_create: each new hypothesis resets "first" in
	// full and the first two cells of "second", and every other cell the
	// walk reads is written earlier in that same walk, so no probability
	// mass carries over from the previous, smaller hypothesis.
	first := make([]*big.Float, k+1)
	second := make([]*big.Float, k+1)
	for j := range first {
		first[j] = newFloat(0)
		second[j] = newFloat(0)
	}

	for h := 2; h <= k; h++ {
		for j := range first {
			first[j] = newFloat(0)
		}
		second[0] = newFloat(0)
		second[1] = newFloat(1) // state(1,1) = 1.0: certain after the first probe
		curState := newFloat(1)

		jstart := 2
		i := 1
		for continueCondition(jstart, h, curState, pk, conf) {
			if i == 2 {
				// state(1,1) = 1.0 is already seeded; the diagonal walk
				// proper starts at j=1 from the second probe onward.
				jstart = 1
			}
			var j int
			for j = jstart; j < h; j++ {
				cs := calculate(first, second, h, j)
				probes := i + j - 1
				if probes == t.nk[j+1] {
					jstart = j + 1
					first[j] = newFloat(0)
					second[j] = newFloat(0)
					pk[j+1] = cs
				} else {
					second[j] = cs
				}
				curState = cs
			}
			first, second = second, first
			i++
		}
		// j == h here: the inner loop always runs to completion (no
		// early exit), so PROBES(i, h) - 2 == i + h - 3.
		t.nk[h] = i + h - 3
	}
	return t
}

// continueCondition is the inverse of the stopping test: true while
// either the diagonal hasn't yet reached the hypothesis' own boundary,
// or the accumulated probability of still being undecided exceeds conf.
func continueCondition(jstart, h int, curState *big.Float, pk []*big.Float, conf *big.Float) bool {
	sum := newFloat(0)
	for idx := 0; idx <= jstart+1; idx++ {
		sum = new(big.Float).SetPrec(precision).Add(sum, pk[idx])
	}
	if jstart != h-1 {
		return true
	}
	total := new(big.Float).SetPrec(precision).Add(sum, curState)
	return conf.Cmp(total) < 0
}

// calculate computes one diagonal state: the probability of reaching
// (i, j) via a horizontal move (a probe that landed on an already-seen
// branch) plus a vertical move (a probe that discovered a new branch).
func calculate(first, second []*big.Float, h, j int) *big.Float {
	hor := ratio(j, h)
	ver := ratio(h-j+1, h)
	t1 := new(big.Float).SetPrec(precision).Mul(first[j], hor)
	t2 := new(big.Float).SetPrec(precision).Mul(second[j-1], ver)
	return new(big.Float).SetPrec(precision).Add(t1, t2)
}
