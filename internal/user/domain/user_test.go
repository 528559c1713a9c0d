package domain

import "testing"

func TestClearance_Ordering(t *testing.T) {
	if !ClearanceSecret.AtLeast(ClearanceConfidential) {
		t.Error("secret should be at least confidential")
	}
	if ClearanceRestricted.AtLeast(ClearanceConfidential) {
		t.Error("restricted should not satisfy confidential")
	}
	if !ClearanceOpen.AtLeast(ClearanceOpen) {
		t.Error("open should satisfy open")
	}
}

func TestParseClearance(t *testing.T) {
	testCases := []struct {
		in      string
		want    Clearance
		wantErr bool
	}{
		{"", ClearanceOpen, false},
		{"Secret", ClearanceSecret, false},
		{" confidential ", ClearanceConfidential, false},
		{"top-secret", ClearanceOpen, true},
	}
	for _, tc := range testCases {
		got, err := ParseClearance(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseClearance(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClearance(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClearance_TextRoundTrip(t *testing.T) {
	b, err := ClearanceRestricted.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var c Clearance
	if err := c.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if c != ClearanceRestricted {
		t.Errorf("round trip = %v", c)
	}
	if _, err := Clearance(9).MarshalText(); err == nil {
		t.Error("MarshalText of invalid clearance should fail")
	}
}

func TestUser_CloneIsDeep(t *testing.T) {
	u := &User{ID: "u1", Roles: []string{"viewer"}, Metadata: map[string]string{"dept": "eng"}}
	c := u.Clone()
	c.Roles[0] = "admin"
	c.Metadata["dept"] = "ops"
	if u.Roles[0] != "viewer" || u.Metadata["dept"] != "eng" {
		t.Error("Clone shares state with the original")
	}
}

func TestUser_Name(t *testing.T) {
	u := &User{Email: "a@example.com"}
	if u.Name() != "a@example.com" {
		t.Errorf("Name = %q", u.Name())
	}
	u.GivenName, u.FamilyName = "Ada", "Lovelace"
	if u.Name() != "Ada Lovelace" {
		t.Errorf("Name = %q", u.Name())
	}
}

func TestUser_Validate(t *testing.T) {
	u := &User{ID: "u1", Provider: "oidc", Subject: "s"}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	u.Clearance = Clearance(42)
	if err := u.Validate(); err == nil {
		t.Error("Validate should reject invalid clearance")
	}
}
