// Package risk maps OAuth scope sets to a coarse risk level. Pattern tables
// cover both provider vocabularies so callers can pass a merged scope set
// from a multi-provider organization without caring where each scope came
// from. Matching uses Aho-Corasick for the substring families plus a short
// suffix table for scopes whose substring form would over-match.
package risk

import (
	"strings"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Level is a classification of the access a scope set grants.
type Level string

const (
	Low    Level = "LOW"
	Medium Level = "MEDIUM"
	High   Level = "HIGH"
)

// rank orders levels for Max.
func rank(l Level) int {
	switch l {
	case High:
		return 2
	case Medium:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// Substring patterns. Microsoft Graph permission families first, then
// Google Workspace scope families. All patterns are lowercase; scopes are
// normalized to lowercase before they reach this package.
var highSubstrings = []string{
	// Microsoft
	"readwrite.all",
	"directory.readwrite",
	"application.readwrite",
	"rolemanagement.readwrite",
	"mailboxsettings.readwrite",
	"mail.readwrite",
	"files.readwrite",
	"full_access_as_app",
	"securityevents",
	// Google
	"admin.directory",
	"admin.security",
	"gmail.modify",
	"gmail.compose",
	"gmail.settings",
	"mail.google.com",
}

var mediumSubstrings = []string{
	// Microsoft
	"mail.read",
	"files.read",
	"sites.read",
	"directory.read",
	"user.read.all",
	"offline_access",
	// Google
	"gmail.readonly",
	"drive.readonly",
	"drive.file",
	"admin.reports",
	"calendar",
	"contacts",
	"spreadsheets",
}

// Suffix patterns catch scopes whose substring form would over-match:
// the full-access Drive scope is ".../auth/drive", which every narrower
// drive.* scope contains.
var highSuffixes = []string{
	"/auth/drive",
	"/auth/gmail",
	".admin",
}

var (
	highMatcher   aho.AhoCorasick
	mediumMatcher aho.AhoCorasick
)

func init() {
	builder := aho.NewAhoCorasickBuilder(aho.Opts{})
	highMatcher = builder.Build(highSubstrings)
	mediumMatcher = builder.Build(mediumSubstrings)
}

// Classify maps a merged scope set to a risk level. Any HIGH match wins;
// otherwise any MEDIUM match; an empty set is LOW.
func Classify(scopes []string) Level {
	for _, scope := range scopes {
		s := strings.ToLower(scope)
		if matchesHigh(s) {
			return High
		}
	}
	for _, scope := range scopes {
		s := strings.ToLower(scope)
		if len(mediumMatcher.FindAll(s)) > 0 {
			return Medium
		}
	}
	return Low
}

func matchesHigh(scope string) bool {
	if len(highMatcher.FindAll(scope)) > 0 {
		return true
	}
	for _, suffix := range highSuffixes {
		if strings.HasSuffix(scope, suffix) {
			return true
		}
	}
	return false
}

// Valid reports whether v is a known level, for validating stored rows.
func Valid(v string) bool {
	switch Level(v) {
	case Low, Medium, High:
		return true
	}
	return false
}
