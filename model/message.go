package model

import (
	"strings"
	"time"
)

// Raw is a message exactly as the mailbox transport returned it.
type Raw struct {
	UID        uint32
	Data       []byte
	ReceivedAt time.Time
}

// Message is the parsed form of a Raw message.
type Message struct {
	ID         string
	Hash       string
	Subject    string
	From       string
	To         string
	Headers    map[string]string
	Content    string
	ReceivedAt time.Time
	Size       int64

	Attachments []Attachment
}

// Header looks up a header value ignoring the case of name.
func (m Message) Header(name string) (string, bool) {
	if v, ok := m.Headers[name]; ok {
		return v, true
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Attachment is a single file carried by a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	AudioVideo  bool
	// Transcript is empty until conversion succeeded or failed with an
	// inline error marker.
	Transcript string
}

func (a Attachment) Size() int64 {
	return int64(len(a.Data))
}
