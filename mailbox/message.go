package mailbox

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrMissingRecipient = errors.New("message has no recipient")

// Message is one entry in a thread, the outbox or the inbox. Only the
// non-empty fields are written to disk; Filename and NotYetSent are assigned
// when the message is read back.
type Message struct {
	LocalUser  string `json:"local_user,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
	Body       string `json:"body,omitempty"`

	Filename   string `json:"filename,omitempty"`
	NotYetSent bool   `json:"not_yet_sent,omitempty"`
}

// Outbound reports the message direction: a message carries exactly one of
// recipient (outbound) or sender (inbound).
func (m *Message) Outbound() bool {
	return m.Recipient != ""
}

// Payload renders the on-air form, "<recipient>:<body>".
func (m *Message) Payload() ([]byte, error) {
	if m.Recipient == "" {
		return nil, ErrMissingRecipient
	}
	return []byte(m.Recipient + ":" + m.Body), nil
}

func (m *Message) encode() ([]byte, error) {
	onDisk := *m
	onDisk.Filename = ""
	onDisk.NotYetSent = false
	return json.Marshal(&onDisk)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Timestamps are fixed-width so that the lexicographic filename order is the
// chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000"

func utcNow() string {
	return time.Now().UTC().Format(timestampLayout)
}
