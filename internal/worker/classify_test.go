package worker

import "testing"

func TestTrustedACLContainsCIDRAndBareIP(t *testing.T) {
	acl, err := newTrustedACL([]string{"10.0.0.0/8", "203.0.113.5"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		source string
		want   bool
	}{
		{"10.1.2.3:5060", true},
		{"10.1.2.3", true},
		{"203.0.113.5:5061", true},
		{"198.51.100.1:5060", false},
	}
	for _, c := range cases {
		if got := acl.contains(c.source); got != c.want {
			t.Errorf("contains(%q) = %v, want %v", c.source, got, c.want)
		}
	}
}

func TestTrustedACLRejectsUnparseableCIDR(t *testing.T) {
	if _, err := newTrustedACL([]string{"not-a-cidr"}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestNilTrustedACLNeverMatches(t *testing.T) {
	var acl *trustedACL
	if acl.contains("10.0.0.1:5060") {
		t.Fatal("nil ACL should never match")
	}
}

func TestDestinationString(t *testing.T) {
	cases := map[Destination]string{
		DestExternal:  "EXTERNAL",
		DestLocal:     "LOCAL",
		DestPublic:    "PUBLIC",
		DestRouted:    "ROUTED",
		DestForwarded: "FORWARDED",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("Destination(%d).String() = %q, want %q", d, got, want)
		}
	}
}
