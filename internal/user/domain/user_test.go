package domain

import "testing"

func TestUser_Validate(t *testing.T) {
	u := &User{Email: "  Alice@Example.COM "}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Email = %q, want normalized", u.Email)
	}
	if u.Status != UserStatusActive || !u.Active() {
		t.Errorf("Status = %q, want active default", u.Status)
	}
	if err := (&User{}).Validate(); err == nil {
		t.Error("empty email should fail validation")
	}
	var nilUser *User
	if nilUser.Active() {
		t.Error("nil user is not active")
	}
}
