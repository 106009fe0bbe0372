package balances

import "testing"

func TestChunkSizerGrowth(t *testing.T) {
	c := newChunkSizer()
	if c.current() != initialChunk {
		t.Fatalf("initial = %d", c.current())
	}
	c.success()
	c.success()
	if c.current() != initialChunk {
		t.Fatalf("grew after 2 successes: %d", c.current())
	}
	c.success()
	if c.current() != initialChunk+growStep {
		t.Fatalf("after 3 successes = %d, want %d", c.current(), initialChunk+growStep)
	}
}

func TestChunkSizerCeiling(t *testing.T) {
	c := newChunkSizer()
	for i := 0; i < 100; i++ {
		c.success()
	}
	if c.current() != maxChunk {
		t.Fatalf("ceiling = %d, want %d", c.current(), maxChunk)
	}
}

func TestChunkSizerShrink(t *testing.T) {
	c := newChunkSizer()
	c.failure(200)
	if c.current() != int(float64(initialChunk)*shrinkFactor) {
		t.Fatalf("after failure = %d", c.current())
	}
}

func TestChunkSizerFloor(t *testing.T) {
	c := newChunkSizer()
	for i := 0; i < 20; i++ {
		c.failure(c.current())
	}
	if c.current() != minChunk {
		t.Fatalf("floor = %d, want %d", c.current(), minChunk)
	}
}

func TestChunkSizerSizeOneNeverShrinks(t *testing.T) {
	c := newChunkSizer()
	c.size = minChunk
	c.failure(1)
	if c.current() != minChunk {
		t.Fatalf("size-1 failure shrank the chunk to %d", c.current())
	}
}

func TestChunkSizerFailureResetsStreak(t *testing.T) {
	c := newChunkSizer()
	c.success()
	c.success()
	c.failure(100)
	c.success()
	c.success()
	shrunk := int(float64(initialChunk) * shrinkFactor)
	if c.current() != shrunk {
		t.Fatalf("streak survived a failure: size %d", c.current())
	}
}

func TestHelperABIPacks(t *testing.T) {
	if _, ok := helperABI.Methods["nativeBalances"]; !ok {
		t.Fatal("nativeBalances missing from helper ABI")
	}
	if _, ok := helperABI.Methods["tokenBalances"]; !ok {
		t.Fatal("tokenBalances missing from helper ABI")
	}
}
