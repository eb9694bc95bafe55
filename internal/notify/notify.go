// Package notify delivers payout outcome notifications to the admin
// team, mirroring the out-of-band email channel the upstream service
// uses for OTP delivery.
package notify

// Message is one notification email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Service is any backend that can deliver messages. Delivery is
// fire-and-forget; a payout outcome must never block on email.
type Service interface {
	Send(messages ...*Message)
}
