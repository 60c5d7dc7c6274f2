package lifecycle

import (
	"testing"
	"time"

	"github.com/ttaklabs/libttak/tick"
	"github.com/ttaklabs/libttak/ttakcfg"
	"github.com/ttaklabs/libttak/ttakerr"
)

func newTestAllocator(t *testing.T) (*Allocator, *tick.Fake) {
	t.Helper()
	clk := tick.NewFake()
	a := NewAllocator(WithClock(clk))
	return a, clk
}

func TestAllocAccessFree(t *testing.T) {
	a, _ := newTestAllocator(t)

	hd, err := a.Alloc(32, -1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := a.Access(hd)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(data))
	}
	data[0] = 0xAB

	if err := a.Free(hd); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Access(hd); !ttakerr.Is(err, ttakerr.Expired) {
		t.Fatalf("expected Expired after free, got %v", err)
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(16, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(hd); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(hd); !ttakerr.Is(err, ttakerr.Denied) {
		t.Fatalf("expected Denied on double free, got %v", err)
	}
}

func TestConstHandleCannotBeFreed(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(16, -1, WithConst())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(hd); !ttakerr.Is(err, ttakerr.Denied) {
		t.Fatalf("expected Denied freeing a const handle, got %v", err)
	}
}

func TestExpiryViaFakeClock(t *testing.T) {
	a, clk := newTestAllocator(t)
	hd, err := a.Alloc(16, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Access(hd); err != nil {
		t.Fatalf("unexpected error before expiry: %v", err)
	}
	clk.Advance(200)
	if _, err := a.Access(hd); !ttakerr.Is(err, ttakerr.Expired) {
		t.Fatalf("expected Expired after clock advance, got %v", err)
	}
}

func TestNeverExpiresSentinel(t *testing.T) {
	a, clk := newTestAllocator(t)
	hd, err := a.Alloc(16, -1)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(1 << 40)
	if _, err := a.Access(hd); err != nil {
		t.Fatalf("a Never-lifetime handle must not expire: %v", err)
	}
}

func TestPinBlocksAutoclean(t *testing.T) {
	a, clk := newTestAllocator(t)
	hd, err := a.Alloc(16, 10)
	if err != nil {
		t.Fatal(err)
	}
	a.Pin(hd)
	clk.Advance(1000)

	if n := a.Autoclean(); n != 0 {
		t.Fatalf("expected pinned handle to survive Autoclean, swept %d", n)
	}
	a.Unpin(hd)
	if n := a.Autoclean(); n != 1 {
		t.Fatalf("expected unpinned expired handle swept, got %d", n)
	}
}

func TestAutocleanSweepsExpired(t *testing.T) {
	a, clk := newTestAllocator(t)
	for i := 0; i < 5; i++ {
		if _, err := a.Alloc(16, 10); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(1000)
	if n := a.Autoclean(); n != 5 {
		t.Fatalf("expected 5 handles swept, got %d", n)
	}
}

func TestStrictCheckCatchesCanaryCorruption(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(16, -1, WithFlags(FlagStrictCheck))
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the leading canary directly in the raw buffer.
	hd.h.raw[0] ^= 0xFF

	if _, err := a.Access(hd); !ttakerr.Is(err, ttakerr.Arithmetic) {
		t.Fatalf("expected Arithmetic on canary corruption, got %v", err)
	}
}

func TestChecksumCatchesMetadataCorruption(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(16, -1)
	if err != nil {
		t.Fatal(err)
	}
	hd.h.size = 999 // corrupt metadata without recomputing the checksum

	if _, err := a.Access(hd); !ttakerr.Is(err, ttakerr.Arithmetic) {
		t.Fatalf("expected Arithmetic on checksum mismatch, got %v", err)
	}
}

func TestDupCopiesPayload(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(8, -1)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := a.Access(hd)
	copy(data, []byte("libttak!"))

	dup, err := a.Dup(hd, -1)
	if err != nil {
		t.Fatal(err)
	}
	dupData, err := a.Access(dup)
	if err != nil {
		t.Fatal(err)
	}
	if string(dupData) != "libttak!" {
		t.Fatalf("dup payload mismatch: %q", dupData)
	}

	// Mutating the original must not affect the dup: independent storage.
	data[0] = 'X'
	if dupData[0] == 'X' {
		t.Fatalf("dup shares storage with the original")
	}
}

func TestReallocShrinkIsInPlace(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(64, -1)
	if err != nil {
		t.Fatal(err)
	}
	originalHeader := hd.h

	shrunk, err := a.Realloc(hd, 8)
	if err != nil {
		t.Fatal(err)
	}
	if shrunk.h != originalHeader {
		t.Fatalf("expected a shrink to reuse the same header/backing buffer")
	}
	data, err := a.Access(shrunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 {
		t.Fatalf("expected 8 bytes after shrink, got %d", len(data))
	}
}

func TestReallocGrowsWithinSameTier(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(8, -1)
	if err != nil {
		t.Fatal(err)
	}
	originalTier := hd.h.tier

	grown, err := a.Realloc(hd, 64)
	if err != nil {
		t.Fatal(err)
	}
	data, err := a.Access(grown)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 64 {
		t.Fatalf("expected 64 bytes after realloc, got %d", len(data))
	}
	if grown.h.tier != originalTier {
		t.Fatalf("64 bytes still belongs to the pocket tier; expected tier to stay the same")
	}
}

func TestReallocEscalatesTierWhenOutgrown(t *testing.T) {
	a, _ := newTestAllocator(t)
	hd, err := a.Alloc(8, -1)
	if err != nil {
		t.Fatal(err)
	}

	grown, err := a.Realloc(hd, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if grown.h.tier == TierPocket {
		t.Fatalf("expected escalation out of the pocket tier for a 4KiB request")
	}
	data, err := a.Access(grown)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", len(data))
	}
}

func TestTierSelection(t *testing.T) {
	a, _ := newTestAllocator(t)

	small, err := a.Alloc(8, -1)
	if err != nil {
		t.Fatal(err)
	}
	if small.h.tier != TierPocket {
		t.Fatalf("expected pocket tier for 8 bytes, got %v", small.h.tier)
	}

	mid, err := a.Alloc(4096, -1)
	if err != nil {
		t.Fatal(err)
	}
	if mid.h.tier != TierBuddy {
		t.Fatalf("expected buddy tier for 4096 bytes, got %v", mid.h.tier)
	}

	if got := a.chooseTier(buddyTierLimit + 1); got != TierGeneral {
		t.Fatalf("expected general tier for an oversized request, got %v", got)
	}
}

func TestZeroSizeRejected(t *testing.T) {
	a, _ := newTestAllocator(t)
	if _, err := a.Alloc(0, -1); !ttakerr.Is(err, ttakerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSweeperStartStopIsSafe(t *testing.T) {
	a := NewAllocator(WithGCConfig(ttakcfg.NewGC(
		ttakcfg.WithMinInterval(time.Millisecond),
		ttakcfg.WithMaxInterval(5*time.Millisecond),
	)))
	a.StartSweeper()
	a.StartSweeper() // second call must be a no-op, not a second goroutine
	time.Sleep(10 * time.Millisecond)
	a.StopSweeper()
}

func TestDetachCacheRecyclesTinyPocketAllocations(t *testing.T) {
	a, _ := newTestAllocator(t)

	hd, err := a.Alloc(4, -1)
	if err != nil {
		t.Fatal(err)
	}
	originalSlab := hd.h.pocketSlab
	if err := a.Free(hd); err != nil {
		t.Fatal(err)
	}
	a.epochMgr.Reclaim()
	a.epochMgr.Reclaim()
	a.epochMgr.Reclaim()

	again, err := a.Alloc(4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if again.h.pocketSlab != originalSlab {
		t.Fatalf("expected the detach cache to hand back the same slab for a tiny re-alloc")
	}
}
