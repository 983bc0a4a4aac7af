package category

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatchTaxonomy(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Sales & CRM", "Sales & CRM", true},
		{"sales & crm", "Sales & CRM", true},
		{"  \"Developer Tools\" ", "Developer Tools", true},
		{"Developer Tools.", "Developer Tools", true},
		{"Marketing tools", "Marketing", true},   // containment
		{"Productivity!", "Productivity", true},  // trim then exact
		{"Comunication & Collaboration", "Communication & Collaboration", true}, // typo, ratio
		{"", "", false},
		{"Quantum Farming", "", false},
	}
	for _, c := range cases {
		got, ok := MatchTaxonomy(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("MatchTaxonomy(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if similarity("abc", "abc") != 1 {
		t.Fatal("identical strings must score 1")
	}
	if similarity("abc", "xyz") != 0 {
		t.Fatal("disjoint strings must score 0")
	}
	if s := similarity("marketing", "marketting"); s <= 0.8 {
		t.Fatalf("near-identical strings scored %v", s)
	}
}

func TestHeuristic(t *testing.T) {
	cases := []struct {
		name   string
		scopes []string
		want   string
	}{
		{"Slack", nil, "Communication & Collaboration"},
		{"GitHub", []string{"repo", "read:org"}, "Developer Tools"},
		{"Salesforce", nil, "Sales & CRM"},
		{"Figma", nil, "Design & Creative"},
		{"Unknown Widget", nil, Others},
		{"", nil, Others},
	}
	for _, c := range cases {
		if got := Heuristic(c.name, c.scopes); got != c.want {
			t.Errorf("Heuristic(%q, %v) = %q, want %q", c.name, c.scopes, got, c.want)
		}
	}
}

// The fallback must return the same category on repeated calls.
func TestHeuristicDeterministic(t *testing.T) {
	name := "Acme Dashboard"
	scopes := []string{"https://www.googleapis.com/auth/spreadsheets.readonly", "openid"}
	first := Heuristic(name, scopes)
	for i := 0; i < 10; i++ {
		if got := Heuristic(name, scopes); got != first {
			t.Fatalf("run %d: got %q, want %q", i, got, first)
		}
	}
}

func TestHeuristicScopesInfluence(t *testing.T) {
	// The name alone says nothing; the scope string should pull it to
	// Storage & File Sharing via the drive keyword.
	got := Heuristic("Acme Sync", []string{"https://www.googleapis.com/auth/drive.readonly"})
	if got != "Storage & File Sharing" {
		t.Fatalf("got %q", got)
	}
}

func TestCategorize_FallsBackWithoutConfig(t *testing.T) {
	c := NewClassifier("", "", "")
	got := c.Categorize(context.Background(), "GitHub", []string{"repo"})
	if got != "Developer Tools" {
		t.Fatalf("got %q", got)
	}
}

func TestCategorize_UsesClassifier(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "Finance & Accounting"}},
		})
	}))
	defer ts.Close()

	c := NewClassifier(ts.URL, "test-key", "")
	got := c.Categorize(context.Background(), "Mystery App", nil)
	if got != "Finance & Accounting" {
		t.Fatalf("got %q", got)
	}
}

func TestCategorize_FallsBackOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClassifier(ts.URL, "test-key", "")
	got := c.Categorize(context.Background(), "Trello", nil)
	if got != "Project Management" {
		t.Fatalf("got %q", got)
	}
}

func TestCategorize_FallsBackOnNonTaxonomyAnswer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "I cannot classify this application."}},
		})
	}))
	defer ts.Close()

	c := NewClassifier(ts.URL, "test-key", "")
	got := c.Categorize(context.Background(), "Jira", nil)
	if got != "Project Management" {
		t.Fatalf("got %q", got)
	}
}

func TestTaxonomyValid(t *testing.T) {
	if !Valid(Others) {
		t.Fatal("Others must be valid")
	}
	if Valid("Nonsense") {
		t.Fatal("unknown category must be invalid")
	}
	if len(Taxonomy) != 14 {
		t.Fatalf("taxonomy has %d entries, want 13 + Others", len(Taxonomy))
	}
}
