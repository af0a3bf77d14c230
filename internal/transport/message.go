package transport

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier"
	"github.com/newsroom/courier/tools"
	"gopkg.in/gomail.v2"
)

// compose renders the task payload into a MIME message and assigns it a
// message id. The from address falls back to the configured default sender.
func compose(email *courier.Email, defaultFrom string) (*gomail.Message, string) {

	from := compare.Coalesce(email.From, defaultFrom)

	domain, err := tools.DomainOfEmail(from)
	if err != nil {
		domain = "localhost"
	}
	id := fmt.Sprintf("%s@%s", uuid.New().String(), domain)

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s>", id))
	m.SetHeader("From", from)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("To", courier.SplitAddresses(email.To)...)

	if cc := courier.SplitAddresses(email.Cc); len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	if bcc := courier.SplitAddresses(email.Bcc); len(bcc) > 0 {
		m.SetHeader("Bcc", bcc...)
	}
	if email.ReplyTo != "" {
		m.SetHeader("Reply-To", email.ReplyTo)
	}

	m.SetBody("text/html", email.HTML)

	return m, id
}
