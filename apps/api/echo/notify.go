package echoapi

import (
	"context"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/roster"
)

// notifier runs the side effects of successful writes. Its failures are logged, never returned.
type notifier struct {
	mailer   core.EmailService
	reporter *report.Reporter
	logger   core.Logger
}

func (n *notifier) written(ctx context.Context) {
	if err := n.reporter.Invalidate(ctx); err != nil {
		n.logger.Warn("invalidating reports", err)
	}
}

func (n *notifier) admitted(ctx context.Context, s roster.Student, p enrollment.Plan) {
	n.written(ctx)
	n.mailer.SendMessages(roster.NewWelcomeEmail(s))
	if msg := enrollment.NewEnrollmentChangedEmail(s, p); msg != nil {
		n.mailer.SendMessages(msg)
	}
}

func (n *notifier) reconciled(ctx context.Context, studentID string, p enrollment.Plan, svc *roster.Service) {
	if p.IsNoop() {
		return
	}
	n.written(ctx)
	s, err := svc.GetStudent(ctx, studentID)
	if err != nil {
		n.logger.Warn("finding student to notify", err, map[string]interface{}{"student": studentID})
		return
	}
	if msg := enrollment.NewEnrollmentChangedEmail(s, p); msg != nil {
		n.mailer.SendMessages(msg)
	}
}
