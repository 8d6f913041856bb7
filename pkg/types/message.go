package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued message
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Priority values; higher sorts first in the queue
const (
	PriorityHigh   = 10
	PriorityNormal = 0
	PriorityLow    = -10
)

// Address is an email address with an optional display name
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// NewAddress creates an address from a bare email
func NewAddress(email string) Address {
	return Address{Email: email}
}

// String renders the address as "Name <email>" or the bare email
func (a Address) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Email)
	}
	return a.Email
}

// FormatAddresses renders a comma-separated address list
func FormatAddresses(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// Recipients holds the three recipient lists of a message
type Recipients struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc"`
	Bcc []Address `json:"bcc"`
}

// Body holds the text and HTML variants; either or both may be present
type Body struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// AttachmentKind distinguishes regular attachments from inline images
type AttachmentKind string

const (
	AttachmentAttached AttachmentKind = "attached"
	AttachmentEmbedded AttachmentKind = "embedded"
)

// Attachment describes one attachment; the content must exist as a file
type Attachment struct {
	Kind      AttachmentKind `json:"kind"`
	Name      string         `json:"name"`
	ContentID string         `json:"content_id,omitempty"`
	Path      string         `json:"path"`
	MimeType  string         `json:"mime_type,omitempty"`
	// DeleteAfterFailed only takes effect together with DeleteAfterSent,
	// and only once the failure is terminal.
	DeleteAfterSent   bool `json:"delete_after_sent"`
	DeleteAfterFailed bool `json:"delete_after_failed"`
}

// Message is one entry of the outbound mail queue
type Message struct {
	UID      int64
	Status   Status
	Priority int

	Sender     *Address
	ReplyTo    *Address
	Recipients Recipients
	Subject    string
	Body       Body

	Attachments []Attachment

	QueuedTime     time.Time
	UpdateTime     time.Time
	SentTime       *time.Time
	FailedAttempts int

	// RequestedAccount is an optional caller hint naming the preferred
	// sender account; SentViaAccount records which account delivered it.
	RequestedAccount string
	SentViaAccount   string
}

// AddTo appends TO recipients
func (m *Message) AddTo(addrs ...Address) *Message {
	m.Recipients.To = append(m.Recipients.To, addrs...)
	return m
}

// AddCc appends CC recipients
func (m *Message) AddCc(addrs ...Address) *Message {
	m.Recipients.Cc = append(m.Recipients.Cc, addrs...)
	return m
}

// AddBcc appends BCC recipients
func (m *Message) AddBcc(addrs ...Address) *Message {
	m.Recipients.Bcc = append(m.Recipients.Bcc, addrs...)
	return m
}

// AllRecipients returns to, cc and bcc flattened into one list
func (m *Message) AllRecipients() []Address {
	all := make([]Address, 0, len(m.Recipients.To)+len(m.Recipients.Cc)+len(m.Recipients.Bcc))
	all = append(all, m.Recipients.To...)
	all = append(all, m.Recipients.Cc...)
	all = append(all, m.Recipients.Bcc...)
	return all
}

// LogString summarizes the recipient lists for log output
func (m *Message) LogString() string {
	return fmt.Sprintf("TO=%s CC=%s BCC=%s",
		FormatAddresses(m.Recipients.To),
		FormatAddresses(m.Recipients.Cc),
		FormatAddresses(m.Recipients.Bcc))
}
