package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var inflight, maxInflight int32

	for i := 0; i < 20; i++ {
		p.Run(func() error {
			n := atomic.AddInt32(&inflight, 1)
			defer atomic.AddInt32(&inflight, -1)
			for {
				cur := atomic.LoadInt32(&maxInflight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInflight, cur, n) {
					break
				}
			}
			return nil
		})
	}

	if errs := p.Wait(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if maxInflight > 2 {
		t.Fatalf("pool exceeded bound: max inflight %d", maxInflight)
	}
}

func TestPoolCollectsErrors(t *testing.T) {
	p := New(4)
	want := errors.New("boom")
	p.Run(func() error { return want })
	p.Run(func() error { return nil })

	errs := p.Wait()
	if len(errs) != 1 || errs[0] != want {
		t.Fatalf("got %v", errs)
	}
}
