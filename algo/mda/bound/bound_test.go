// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package bound

import "testing"

// TestStoppingTableMatchesPublishedValues checks the table against the
// canonical alpha=0.05 stopping points from the Paris traceroute papers
// (Veitch/Augustin et al.), reproduced by libparistraceroute's own
// bound_dump output for the same inputs.
func TestStoppingTableMatchesPublishedValues(t *testing.T) {
	want := map[int]int{
		2:  6,
		3:  11,
		4:  16,
		5:  21,
		6:  27,
		7:  33,
		8:  38,
		9:  44,
		10: 51,
	}

	table := Build(0.05, 10)
	for k, n := range want {
		if got := table.NAt(k); got != n {
			t.Errorf("NAt(%d) = %d, want %d", k, got, n)
		}
	}
}

// TestStoppingTableIsMonotonic checks the structural invariant that a
// higher fan-out hypothesis never needs fewer confirming probes than a
// lower one — n_k must increase with k since each successive hypothesis
// strictly generalizes the one before it.
func TestStoppingTableIsMonotonic(t *testing.T) {
	table := Build(0.05, 10)
	prev := 0
	for k := 2; k <= 10; k++ {
		n := table.NAt(k)
		if n <= prev {
			t.Fatalf("NAt(%d) = %d is not strictly greater than NAt(%d) = %d", k, n, k-1, prev)
		}
		prev = n
	}
}

// TestStoppingTableScalesWithAlpha checks that a stricter (smaller)
// false-termination probability demands at least as many probes at
// every hypothesis.
func TestStoppingTableScalesWithAlpha(t *testing.T) {
	loose := Build(0.1, 6)
	strict := Build(0.01, 6)
	for k := 2; k <= 6; k++ {
		if strict.NAt(k) < loose.NAt(k) {
			t.Fatalf("alpha=0.01 NAt(%d)=%d should be >= alpha=0.1 NAt(%d)=%d", k, strict.NAt(k), k, loose.NAt(k))
		}
	}
}

func TestNAtPanicsOutOfRange(t *testing.T) {
	table := Build(0.05, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected NAt(5) to panic for a table built with K=4")
		}
	}()
	table.NAt(5)
}
