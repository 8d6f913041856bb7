package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/pkg/types"
)

func testMailConfig() *config.MailConfig {
	return &config.MailConfig{
		DefaultSender:        "noreply@example.com",
		DefaultSenderName:    "Mailer",
		SubjectPrefix:        "[App] ",
		RerouteRecipients:    []string{"admin@example.com"},
		RerouteSubjectPrefix: "[REROUTED] ",
		BccRecipients:        []string{"archive@example.com"},
	}
}

func submittedMessage() *types.Message {
	m := &types.Message{
		Priority: types.PriorityHigh,
		Sender:   &types.Address{Email: "alice@example.com", Name: "Alice"},
		ReplyTo:  &types.Address{Email: "reply@example.com"},
		Subject:  "Hi",
		Body:     types.Body{Text: "plain", HTML: "<p>html</p>"},
		Attachments: []types.Attachment{
			{Kind: types.AttachmentAttached, Name: "report.pdf", Path: "/tmp/report.pdf"},
		},
	}
	m.AddTo(types.Address{Email: "bob@example.com", Name: "Bob"})
	m.AddCc(types.Address{Email: "carol@example.com"})
	m.AddBcc(types.Address{Email: "dave@example.com"})
	return m
}

func TestApplyModeDefault(t *testing.T) {
	in := submittedMessage()
	out := ApplyMode(in, ModeDefault, testMailConfig())

	assert.Equal(t, "[App] Hi", out.Subject)
	assert.Equal(t, in.Recipients.To, out.Recipients.To)
	assert.Equal(t, in.Recipients.Cc, out.Recipients.Cc)
	assert.Equal(t, in.Recipients.Bcc, out.Recipients.Bcc)

	// Priority, reply-to, bodies and attachments are copied verbatim
	assert.Equal(t, types.PriorityHigh, out.Priority)
	assert.Equal(t, in.ReplyTo, out.ReplyTo)
	assert.Equal(t, in.Body, out.Body)
	assert.Equal(t, in.Attachments, out.Attachments)
	assert.Equal(t, in.Sender, out.Sender)
}

func TestApplyModeDefaultSenderSubstitution(t *testing.T) {
	in := submittedMessage()
	in.Sender = nil

	out := ApplyMode(in, ModeDefault, testMailConfig())

	require.NotNil(t, out.Sender)
	assert.Equal(t, "noreply@example.com", out.Sender.Email)
	assert.Equal(t, "Mailer", out.Sender.Name)
}

func TestApplyModeBCC(t *testing.T) {
	in := submittedMessage()
	out := ApplyMode(in, ModeBCC, testMailConfig())

	// To and Cc are never touched by bcc mode
	assert.Equal(t, in.Recipients.To, out.Recipients.To)
	assert.Equal(t, in.Recipients.Cc, out.Recipients.Cc)

	require.Len(t, out.Recipients.Bcc, 2)
	assert.Equal(t, "dave@example.com", out.Recipients.Bcc[0].Email)
	assert.Equal(t, "archive@example.com", out.Recipients.Bcc[1].Email)

	// The submitted message itself is left alone
	assert.Len(t, in.Recipients.Bcc, 1)
}

func TestApplyModeReroute(t *testing.T) {
	in := submittedMessage()
	out := ApplyMode(in, ModeReroute, testMailConfig())

	require.Len(t, out.Recipients.To, 1)
	assert.Equal(t, "admin@example.com", out.Recipients.To[0].Email)
	assert.Empty(t, out.Recipients.Cc)
	assert.Empty(t, out.Recipients.Bcc)

	// The subject carries the reroute marker, the original subject and a
	// dump of the original recipients
	assert.Contains(t, out.Subject, "[REROUTED] ")
	assert.Contains(t, out.Subject, "Hi")
	assert.Contains(t, out.Subject, "Bob <bob@example.com>")
}

func TestApplyModeBlockTransformsLikeDefault(t *testing.T) {
	in := submittedMessage()
	out := ApplyMode(in, ModeBlock, testMailConfig())

	assert.Equal(t, "[App] Hi", out.Subject)
	assert.Equal(t, in.Recipients.To, out.Recipients.To)
	assert.Equal(t, in.Recipients.Bcc, out.Recipients.Bcc)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"default", "block", "reroute", "bcc"} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), mode)
	}

	_, err := ParseMode("loud")
	assert.Error(t, err)
}
