package notify

import (
	"log"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendgridService delivers messages through the Sendgrid v3 API.
type SendgridService struct {
	client *sendgrid.Client
}

var _ Service = (*SendgridService)(nil)

func NewSendgridService(apiKey string) *SendgridService {
	return &SendgridService{client: sendgrid.NewSendClient(apiKey)}
}

// Send delivers messages concurrently; failures are logged, never
// surfaced to the caller.
func (svc *SendgridService) Send(messages ...*Message) {
	for _, msg := range messages {
		msg := msg
		go svc.send(msg)
	}
}

func (svc *SendgridService) send(msg *Message) {
	if len(msg.To) == 0 {
		return
	}
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail("", msg.From))
	m.Subject = msg.Subject

	p := sgmail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(sgmail.NewEmail("", to))
	}
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Body))

	resp, err := svc.client.Send(m)
	if err != nil {
		log.Printf("notify (sendgrid): send failed: %v", err)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		log.Printf("notify (sendgrid): send failed: status %d: %s", resp.StatusCode, resp.Body)
	}
}
