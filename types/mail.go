package types

import (
	"context"

	"github.com/moriyoshi/mimekit/part"
)

// Mail is a message accepted by the sink. Data holds the stamped message
// as it is handed on; Root is the part tree it was parsed into.
type Mail struct {
	sender     string
	recipients []string
	data       []byte
	root       part.Part
}

func NewMail(sender string, recipients []string, data []byte, root part.Part) Mail {
	return Mail{
		sender:     sender,
		recipients: recipients,
		data:       data,
		root:       root,
	}
}

func (m Mail) Sender() string {
	return m.sender
}

func (m Mail) Recipients() []string {
	return m.recipients
}

func (m Mail) Data() []byte {
	return m.data
}

func (m Mail) Root() part.Part {
	return m.root
}

// Outlet takes over mail the sink accepted.
type Outlet func(ctx context.Context, m Mail, rd *ReceptionDescriptor) error
