package registry

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		EntryCapacity:   8,
		TargetCapacity:  16,
		PatternCapacity: 8,
		MinExpires:      30 * time.Second,
		MaxExpires:      3600 * time.Second,
		DefaultExpires:  300 * time.Second,
	}
}

func TestRefreshCreatesAndRenews(t *testing.T) {
	r := New(testConfig())

	e, err := r.Refresh("101", RefreshParams{
		ContactURI: "sip:101@10.0.0.5:5060",
		Expires:    60 * time.Second,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(e.Targets) != 1 {
		t.Fatalf("want 1 target, got %d", len(e.Targets))
	}

	want := time.Now().Add(60 * time.Second)
	if diff := e.Expires.Sub(want); diff < -time.Second || diff > time.Second {
		t.Fatalf("expires not within 1s of expected: got %v want %v", e.Expires, want)
	}
}

func TestRefreshIntervalTooBrief(t *testing.T) {
	r := New(testConfig())
	_, err := r.Refresh("101", RefreshParams{
		ContactURI: "sip:101@10.0.0.5:5060",
		Expires:    5 * time.Second,
	})
	if err != ErrIntervalTooBrief {
		t.Fatalf("want ErrIntervalTooBrief, got %v", err)
	}
}

func TestRefreshIdempotentSameContact(t *testing.T) {
	r := New(testConfig())
	params := RefreshParams{ContactURI: "sip:101@10.0.0.5:5060", Expires: 60 * time.Second}

	if _, err := r.Refresh("101", params); err != nil {
		t.Fatal(err)
	}
	e, err := r.Refresh("101", params)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Targets) != 1 {
		t.Fatalf("expected refresh to update the existing target, not duplicate it, got %d targets", len(e.Targets))
	}
}

func TestExpireAndAccessAfterExpiry(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Refresh("101", RefreshParams{ContactURI: "sip:101@x", Expires: 60 * time.Second}); err != nil {
		t.Fatal(err)
	}

	r.Expire("101")

	e, err := r.Access("101")
	if err != nil {
		t.Fatalf("expired entry should remain accessible until InUse==0: %v", err)
	}
	if e.Type != TypeExpired {
		t.Fatalf("want TypeExpired, got %v", e.Type)
	}
	r.Detach(e)

	if _, err := r.Invite("101"); err != ErrRejected {
		t.Fatalf("want ErrRejected for expired entry, got %v", err)
	}
}

func TestCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.EntryCapacity = 1
	r := New(cfg)

	if _, err := r.Refresh("101", RefreshParams{ContactURI: "sip:101@x", Expires: 60 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Refresh("102", RefreshParams{ContactURI: "sip:102@x", Expires: 60 * time.Second}); err != ErrCapacityExhausted {
		t.Fatalf("want ErrCapacityExhausted, got %v", err)
	}
}

func TestGetRoutingPriorityOrder(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Refresh("200", RefreshParams{ContactURI: "sip:200@x", Expires: 60 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Refresh("201", RefreshParams{ContactURI: "sip:201@x", Expires: 60 * time.Second}); err != nil {
		t.Fatal(err)
	}

	if err := r.AddPattern(&Pattern{Prefix: "9", Text: "", Priority: 1, Target: "200"}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddPattern(&Pattern{Prefix: "9", Text: "", Priority: 5, Target: "201"}); err != nil {
		t.Fatal(err)
	}

	e, err := r.GetRouting("9123")
	if err != nil {
		t.Fatalf("GetRouting: %v", err)
	}
	if e.UserID != "201" {
		t.Fatalf("want higher-priority pattern's target 201, got %s", e.UserID)
	}
	r.Detach(e)
}

func TestIsExtension(t *testing.T) {
	r := New(testConfig())
	r.SetExtensionRange(100, 100)

	if !r.IsExtension("150") {
		t.Fatal("150 should be within [100,200)")
	}
	if r.IsExtension("300") {
		t.Fatal("300 should be outside [100,200)")
	}
	if r.IsExtension("abc") {
		t.Fatal("non-numeric id should not be an extension")
	}
}

func TestCleanupExpiresLapsedEntries(t *testing.T) {
	r := New(testConfig())
	if _, err := r.Refresh("101", RefreshParams{ContactURI: "sip:101@x", Expires: 30 * time.Second}); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	h := r.byID["101"]
	e, _ := r.entries.Get(h)
	e.Expires = time.Now().Add(-time.Second)
	r.mu.Unlock()

	r.Cleanup()

	got, err := r.Access("101")
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	defer r.Detach(got)
	if got.Type != TypeExpired {
		t.Fatalf("want TypeExpired after Cleanup, got %v", got.Type)
	}
}
