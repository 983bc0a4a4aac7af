package category

import (
	"regexp"
	"strings"
)

const (
	wordHitScore      = 3
	substringHitScore = 1
)

// Keyword tables per category. Word-boundary hits score higher than bare
// substring hits; both the app name and its scope strings are scored.
var keywords = map[string][]string{
	"Communication & Collaboration": {"slack", "zoom", "teams", "chat", "meet", "mail", "gmail", "outlook", "calendar", "message", "webex", "discord"},
	"Productivity":                  {"notion", "docs", "document", "office", "word", "sheet", "spreadsheet", "note", "todo", "task", "evernote", "airtable"},
	"Developer Tools":               {"github", "gitlab", "bitbucket", "git", "jenkins", "docker", "kubernetes", "api", "terraform", "sentry", "repo", "code", "ci"},
	"Sales & CRM":                   {"salesforce", "hubspot", "crm", "pipedrive", "lead", "deal", "sales", "zendesk", "intercom"},
	"Marketing":                     {"mailchimp", "marketo", "campaign", "marketing", "seo", "ads", "adwords", "social", "hootsuite", "buffer"},
	"Finance & Accounting":          {"quickbooks", "xero", "stripe", "invoice", "expense", "payroll", "billing", "accounting", "finance", "payment"},
	"Human Resources":               {"workday", "bamboohr", "greenhouse", "lever", "recruit", "hiring", "onboarding", "hr", "people", "talent"},
	"IT & Security":                 {"okta", "onelogin", "duo", "vpn", "security", "antivirus", "firewall", "admin", "directory", "mdm", "password", "1password", "lastpass"},
	"Analytics & BI":                {"tableau", "looker", "analytics", "amplitude", "mixpanel", "segment", "metabase", "dashboard", "report", "bigquery", "snowflake"},
	"Design & Creative":             {"figma", "sketch", "canva", "adobe", "photoshop", "design", "illustrator", "invision", "miro"},
	"Project Management":            {"jira", "asana", "trello", "monday", "basecamp", "clickup", "linear", "project", "sprint", "kanban"},
	"Storage & File Sharing":        {"dropbox", "drive", "box", "onedrive", "storage", "file", "backup", "sharepoint"},
	"Education & Training":          {"coursera", "udemy", "training", "learning", "course", "lms", "classroom", "quiz"},
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Heuristic scores each category by keyword hits against the app name and
// scope strings and returns the best one. Zero score or a tie at the top
// falls through to taxonomy order, which makes repeated calls identical.
func Heuristic(name string, scopes []string) string {
	corpus := strings.ToLower(name)
	for _, s := range scopes {
		corpus += " " + strings.ToLower(s)
	}

	words := make(map[string]struct{})
	for _, w := range wordSplit.Split(corpus, -1) {
		if w != "" {
			words[w] = struct{}{}
		}
	}

	best := Others
	bestScore := 0
	for _, cat := range Taxonomy {
		score := 0
		for _, kw := range keywords[cat] {
			if _, ok := words[kw]; ok {
				score += wordHitScore
			} else if strings.Contains(corpus, kw) {
				score += substringHitScore
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}
	return best
}
