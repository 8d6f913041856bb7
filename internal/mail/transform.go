package mail

import (
	"fmt"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/pkg/types"
)

// Mode is the traffic-shaping policy applied to outgoing mail before
// it is queued or sent
type Mode string

const (
	// ModeDefault passes mail through with only the subject prefix applied
	ModeDefault Mode = "default"
	// ModeBlock queues and accounts mail as usual but suppresses transport
	ModeBlock Mode = "block"
	// ModeReroute replaces all recipients with the configured admin list
	ModeReroute Mode = "reroute"
	// ModeBCC delivers normally with the configured admin list added to BCC
	ModeBCC Mode = "bcc"
)

// ParseMode validates a mode string
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDefault, ModeBlock, ModeReroute, ModeBCC:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid mail mode: %q", s)
}

// ApplyMode rewrites a submitted message into the message that actually
// gets queued or sent. It is applied exactly once per logical submission,
// before persistence, so the queue never stores untransformed input.
// Priority, reply-to, bodies and attachments are copied verbatim in every
// mode; a missing sender is replaced with the configured default.
func ApplyMode(in *types.Message, mode Mode, cfg *config.MailConfig) *types.Message {
	out := &types.Message{
		Priority:         in.Priority,
		ReplyTo:          in.ReplyTo,
		Body:             in.Body,
		Attachments:      in.Attachments,
		QueuedTime:       in.QueuedTime,
		RequestedAccount: in.RequestedAccount,
	}

	if in.Sender != nil {
		out.Sender = in.Sender
	} else if cfg.DefaultSender != "" {
		out.Sender = &types.Address{Email: cfg.DefaultSender, Name: cfg.DefaultSenderName}
	}

	if mode == ModeReroute {
		// Keep the original recipients visible in the subject for
		// traceability
		out.Subject = cfg.RerouteSubjectPrefix + cfg.SubjectPrefix + in.Subject +
			" - " + types.FormatAddresses(in.Recipients.To)
		out.AddTo(toAddresses(cfg.RerouteRecipients)...)
		return out
	}

	out.Subject = cfg.SubjectPrefix + in.Subject
	out.AddTo(in.Recipients.To...)
	out.AddCc(in.Recipients.Cc...)
	out.AddBcc(in.Recipients.Bcc...)
	if mode == ModeBCC {
		out.AddBcc(toAddresses(cfg.BccRecipients)...)
	}

	return out
}

func toAddresses(emails []string) []types.Address {
	addrs := make([]types.Address, 0, len(emails))
	for _, email := range emails {
		addrs = append(addrs, types.Address{Email: email})
	}
	return addrs
}
