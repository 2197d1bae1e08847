package enrollment

import (
	"net/mail"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

type enrollmentChange struct {
	Name    string
	Added   []string
	Removed []string
}

// NewEnrollmentChangedEmail tells the student which batches they joined and left.
// Returns nil when the plan changed nothing.
func NewEnrollmentChangedEmail(s roster.Student, p Plan) *core.EmailMessage {
	if len(p.AddedTo) == 0 && len(p.RemovedFrom) == 0 {
		return nil
	}
	data := enrollmentChange{Name: s.Name}
	for _, b := range p.AddedTo {
		data.Added = append(data.Added, b.BatchName)
	}
	for _, b := range p.RemovedFrom {
		data.Removed = append(data.Removed, b.BatchName)
	}
	return &core.EmailMessage{
		To:           []mail.Address{{Name: s.Name, Address: s.Email}},
		Subject:      "Your batches were updated",
		TemplateName: "enrollment_changed",
		TemplateData: data,
	}
}
