// Package notify delivers operator-facing notifications when a discovery
// run finishes.
package notify

import (
	"github.com/shadowsift/shadowsift/internal/logx"
)

// Summary is what a completed run reports to the operator.
type Summary struct {
	JobID         string
	OrgDomain     string
	OperatorEmail string
	Status        string
	UserCount     int
	AppCount      int
	HighRisk      int
	DurationMS    int64
}

// Notifier receives the completion summary of a sync run. Delivery is best
// effort; the pipeline never fails because a notification did.
type Notifier interface {
	SyncCompleted(s Summary)
}

// LogNotifier writes summaries to the process log. It is the default sink
// when no external channel is configured.
type LogNotifier struct{}

func (LogNotifier) SyncCompleted(s Summary) {
	logx.Infof("sync %s for %s finished: status=%s users=%d apps=%d high_risk=%d duration_ms=%d operator=%s",
		s.JobID, s.OrgDomain, s.Status, s.UserCount, s.AppCount, s.HighRisk, s.DurationMS, s.OperatorEmail)
}
