package types

import (
	"fmt"
	"time"

	"github.com/moriyoshi/mimekit/header"
)

type ReceptionDescriptor struct {
	SenderHost string
	Host       string
	Protocol   string
	ID         string
	Timestamp  time.Time
}

// Received renders the trace header for the reception.
func (rd *ReceptionDescriptor) Received() header.Header {
	return header.New(
		"Received",
		fmt.Sprintf("from %s by %s with %s id %s", rd.SenderHost, rd.Host, rd.Protocol, rd.ID),
		rd.Timestamp.Format(time.RFC1123Z),
	)
}
