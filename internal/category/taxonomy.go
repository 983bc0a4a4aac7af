// Package category assigns discovered applications to a fixed taxonomy of
// business-function categories. The primary path asks an external
// natural-language classifier; every failure falls back to a deterministic
// keyword-scoring heuristic, so categorization can never fail outright.
package category

// Others is the catch-all category for applications nothing else matches.
const Others = "Others"

// Taxonomy is the closed list of categories. Order matters: the heuristic
// breaks score ties by taxonomy position, which keeps results deterministic.
var Taxonomy = []string{
	"Communication & Collaboration",
	"Productivity",
	"Developer Tools",
	"Sales & CRM",
	"Marketing",
	"Finance & Accounting",
	"Human Resources",
	"IT & Security",
	"Analytics & BI",
	"Design & Creative",
	"Project Management",
	"Storage & File Sharing",
	"Education & Training",
	Others,
}

// Valid reports whether v is a taxonomy member.
func Valid(v string) bool {
	for _, c := range Taxonomy {
		if c == v {
			return true
		}
	}
	return false
}
