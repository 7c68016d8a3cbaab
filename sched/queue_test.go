// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package sched

import (
	"container/heap"
	"testing"
	"time"
)

func TestOutboundQueueOrdersBySendTime(t *testing.T) {
	q := &outboundQueue{}
	base := time.Unix(0, 0)
	heap.Init(q)
	heap.Push(q, &queueItem{sendAt: base.Add(30 * time.Millisecond)})
	heap.Push(q, &queueItem{sendAt: base.Add(10 * time.Millisecond)})
	heap.Push(q, &queueItem{sendAt: base.Add(20 * time.Millisecond)})

	var order []time.Duration
	for q.Len() > 0 {
		item := heap.Pop(q).(*queueItem)
		order = append(order, item.sendAt.Sub(base))
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pop order[%d] = %v, want %v", i, order[i], want[i])
		}
	}
}

func TestUniformDelayWithinBounds(t *testing.T) {
	u := NewUniform(10*time.Millisecond, 20*time.Millisecond, 1)
	for i := 0; i < 100; i++ {
		d := u.Next()
		if d < 10*time.Millisecond || d >= 20*time.Millisecond {
			t.Fatalf("Uniform.Next() = %v, out of [10ms,20ms)", d)
		}
	}
}

func TestConstantDelay(t *testing.T) {
	c := Constant{D: 5 * time.Millisecond}
	if c.Next() != 5*time.Millisecond || c.Next() != 5*time.Millisecond {
		t.Fatal("Constant.Next() should always return the same delay")
	}
}
