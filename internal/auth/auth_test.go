package auth

import "testing"

func TestServiceBasic(t *testing.T) {
	svc := New("owner", []int64{20, 10, 0})

	if !svc.IsAllowed(10) || !svc.IsAllowed(20) {
		t.Fatalf("configured accounts not allowed")
	}
	if svc.IsAllowed(30) || svc.IsAllowed(0) {
		t.Fatalf("unexpected allowed")
	}

	user, ok := svc.UserFor(10)
	if !ok || user != "owner" {
		t.Fatalf("want owner, got %q (%v)", user, ok)
	}
	if _, ok := svc.UserFor(30); ok {
		t.Fatalf("unknown account mapped to a user")
	}

	accounts := svc.AccountsFor("owner")
	if len(accounts) != 2 || accounts[0] != 10 || accounts[1] != 20 {
		t.Fatalf("want [10 20], got %v", accounts)
	}
	if got := svc.AccountsFor("someone-else"); len(got) != 0 {
		t.Fatalf("want no accounts, got %v", got)
	}
}

func TestServiceEmpty(t *testing.T) {
	if !New("owner", nil).Empty() {
		t.Fatalf("empty allowlist not reported")
	}
}
