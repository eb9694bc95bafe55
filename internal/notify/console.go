package notify

import "log"

// ConsoleService logs messages instead of sending them. Used in
// development so the outcome path stays observable without credentials.
type ConsoleService struct{}

var _ Service = (*ConsoleService)(nil)

func NewConsoleService() *ConsoleService {
	return &ConsoleService{}
}

func (svc *ConsoleService) Send(messages ...*Message) {
	for _, msg := range messages {
		log.Printf("notify (console): to=%v subject=%q body=%q", msg.To, msg.Subject, msg.Body)
	}
}
