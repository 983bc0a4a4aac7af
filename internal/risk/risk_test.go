package risk

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		scopes []string
		want   Level
	}{
		{"empty", nil, Low},
		{"benign", []string{"openid", "profile", "email"}, Low},
		{"msgraph readwrite all", []string{"user.read", "directory.readwrite.all"}, High},
		{"msgraph wildcard family", []string{"files.readwrite.all"}, High},
		{"msgraph full access", []string{"full_access_as_app"}, High},
		{"msgraph mail read", []string{"mail.read"}, Medium},
		{"msgraph offline access", []string{"openid", "offline_access"}, Medium},
		{"google admin directory", []string{"https://www.googleapis.com/auth/admin.directory.user"}, High},
		{"google full mail", []string{"https://mail.google.com/"}, High},
		{"google full drive suffix", []string{"https://www.googleapis.com/auth/drive"}, High},
		{"google drive readonly is not full drive", []string{"https://www.googleapis.com/auth/drive.readonly"}, Medium},
		{"google gmail readonly", []string{"https://www.googleapis.com/auth/gmail.readonly"}, Medium},
		{"google calendar", []string{"https://www.googleapis.com/auth/calendar"}, Medium},
		{"generic admin suffix", []string{"crm.admin"}, High},
		{"mixed providers", []string{"openid", "https://www.googleapis.com/auth/gmail.readonly", "directory.readwrite.all"}, High},
		{"case insensitive", []string{"Directory.ReadWrite.All"}, High},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.scopes); got != c.want {
				t.Fatalf("Classify(%v) = %v, want %v", c.scopes, got, c.want)
			}
		})
	}
}

// Adding a HIGH scope to any set must never lower the classification.
func TestClassifyMonotonic(t *testing.T) {
	bases := [][]string{
		nil,
		{"openid"},
		{"mail.read"},
		{"directory.readwrite.all"},
		{"https://www.googleapis.com/auth/calendar", "profile"},
	}
	for _, base := range bases {
		before := Classify(base)
		after := Classify(append(append([]string{}, base...), "admin.directory.user"))
		if rank(after) < rank(before) {
			t.Fatalf("adding a HIGH scope lowered %v: %v -> %v", base, before, after)
		}
		if after != High {
			t.Fatalf("expected HIGH after adding admin scope to %v, got %v", base, after)
		}
	}
}

func TestMax(t *testing.T) {
	if Max(Low, Medium) != Medium {
		t.Fatal("Max(Low, Medium)")
	}
	if Max(High, Medium) != High {
		t.Fatal("Max(High, Medium)")
	}
	if Max(Low, Low) != Low {
		t.Fatal("Max(Low, Low)")
	}
}

func TestValid(t *testing.T) {
	for _, v := range []string{"LOW", "MEDIUM", "HIGH"} {
		if !Valid(v) {
			t.Errorf("Valid(%q) = false", v)
		}
	}
	if Valid("CRITICAL") {
		t.Error("Valid(CRITICAL) = true")
	}
}
