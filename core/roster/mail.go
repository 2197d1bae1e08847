package roster

import (
	"net/mail"

	"github.com/trezcool/bootcamp/core"
)

// NewWelcomeEmail is sent once a student account is created.
func NewWelcomeEmail(s Student) *core.EmailMessage {
	return &core.EmailMessage{
		To:           []mail.Address{{Name: s.Name, Address: s.Email}},
		Subject:      "Welcome",
		TemplateName: "student_welcome",
		TemplateData: map[string]string{"Name": s.Name, "Email": s.Email},
	}
}

