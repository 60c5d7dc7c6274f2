package tick

import "testing"

func TestFakeAdvanceMonotonic(t *testing.T) {
	f := NewFake()
	if f.NowMS() != 0 {
		t.Fatalf("expected 0, got %d", f.NowMS())
	}
	f.Advance(50)
	if f.NowMS() != 50 {
		t.Fatalf("expected 50, got %d", f.NowMS())
	}
	if f.NowNS() != 50_000_000 {
		t.Fatalf("expected 50e6 ns, got %d", f.NowNS())
	}
}

func TestFakeAdvanceNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewFake().Advance(-1)
}

func TestFakeSetBackwardsPanics(t *testing.T) {
	f := NewFake()
	f.Advance(100)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f.Set(50)
}

func TestExpired(t *testing.T) {
	if Expired(Never, 1_000_000) {
		t.Fatal("Never must never expire")
	}
	if !Expired(100, 150) {
		t.Fatal("expected expired")
	}
	if Expired(100, 100) {
		t.Fatal("now == expires is not yet expired")
	}
}

func TestSystemClockMonotonic(t *testing.T) {
	c := System()
	a := c.NowNS()
	b := c.NowNS()
	if b < a {
		t.Fatal("clock went backwards")
	}
}
