package worker

import "testing"

func TestBruteForceGuardBlocksAfterThreshold(t *testing.T) {
	g := newBruteForceGuard(3, authFailWindow)
	source := "192.0.2.10:5060"

	for i := 0; i < 2; i++ {
		g.recordFailure(source)
		if g.isBlocked(source) {
			t.Fatalf("blocked too early after %d failures", i+1)
		}
	}
	g.recordFailure(source)
	if !g.isBlocked(source) {
		t.Fatal("expected source to be blocked after reaching threshold")
	}
}

func TestBruteForceGuardSuccessClearsFailures(t *testing.T) {
	g := newBruteForceGuard(3, authFailWindow)
	source := "192.0.2.11:5060"

	g.recordFailure(source)
	g.recordFailure(source)
	g.recordSuccess(source)
	g.recordFailure(source)

	if g.isBlocked(source) {
		t.Fatal("a success should reset the failure count toward the threshold")
	}
}

func TestBruteForceGuardIgnoresUnparseableSource(t *testing.T) {
	g := newBruteForceGuard(1, authFailWindow)
	g.recordFailure("not-an-address")
	if g.isBlocked("not-an-address") {
		t.Fatal("an unparseable source should never be tracked")
	}
}
