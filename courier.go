package courier

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

// Email is the outbound message payload carried by a queued task. To, Cc and
// Bcc may hold a comma separated list of addresses.
type Email struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// Recipients returns all addresses of To, Cc and Bcc.
func (e *Email) Recipients() []string {
	return slicez.Concat(SplitAddresses(e.To), SplitAddresses(e.Cc), SplitAddresses(e.Bcc))
}

func (e *Email) Valid() error {
	return errors.Join(
		e.validRecipients(),
		e.validSubject(),
		e.validContent(),
	)
}

func (e *Email) validRecipients() error {
	if len(SplitAddresses(e.To)) == 0 {
		return errors.New("a recipient must be provided")
	}
	for _, a := range e.Recipients() {
		_, err := mail.ParseAddress(a)
		if err != nil {
			return fmt.Errorf("email %s, is not a valid email address", a)
		}
	}
	return nil
}

func (e *Email) validSubject() error {
	if len(e.Subject) == 0 {
		return errors.New("a subject must be provided")
	}
	return nil
}

func (e *Email) validContent() error {
	if len(e.HTML) == 0 {
		return errors.New("content of the email must be provided")
	}
	return nil
}

// SplitAddresses splits a comma separated address list, dropping empty entries.
func SplitAddresses(s string) []string {
	parts := slicez.Map(strings.Split(s, ","), strings.TrimSpace)
	return slicez.Filter(parts, func(p string) bool { return p != "" })
}
