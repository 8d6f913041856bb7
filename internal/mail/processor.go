package mail

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/pkg/types"
)

// maxFailedAttempts is the terminal retry threshold: once a message has
// failed this many times it moves to failed and is never retried
// automatically.
const maxFailedAttempts = 3

var (
	// ErrNoStore is returned by queue operations when no store is configured
	ErrNoStore = errors.New("no queue store configured")
	// ErrRateLimited is returned by the direct send path when every account
	// in the failover chain is saturated
	ErrRateLimited = errors.New("rate limit reached")
)

// QueueStore is the persistence collaborator of the processor
type QueueStore interface {
	Create(m *types.Message) (int64, error)
	Save(m *types.Message) error
	Get(uid int64) (*types.Message, error)
	FindPendingUIDs(limit int) ([]int64, error)
	ClaimPending(uid int64) (bool, error)
	CountSentVia(accountKey string, window time.Duration) (int, error)
	Housekeeping(maxSentAgeDays, maxFailedAgeDays int) error
}

// Stats aggregates the outcomes of one processing pass
type Stats struct {
	Pending   int
	Processed int
	Sent      int
	Failed    int
	Skipped   int
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Processor runs time-boxed delivery passes over the queue and offers the
// direct send and enqueue entry points
type Processor struct {
	store     QueueStore
	registry  *Registry
	transport Transport
	cfg       *config.Config
	mode      Mode
	logger    *logrus.Logger

	now        func() time.Time
	removeFile func(string) error
}

// NewProcessor creates a processor. The store may be nil for direct-send
// only setups; queue operations then return ErrNoStore.
func NewProcessor(cfg *config.Config, store QueueStore, registry *Registry, transport Transport, logger *logrus.Logger) (*Processor, error) {
	mode, err := ParseMode(cfg.Mail.Mode)
	if err != nil {
		return nil, err
	}

	return &Processor{
		store:      store,
		registry:   registry,
		transport:  transport,
		cfg:        cfg,
		mode:       mode,
		logger:     logger,
		now:        time.Now,
		removeFile: os.Remove,
	}, nil
}

// SetMode switches the traffic mode at runtime
func (p *Processor) SetMode(mode Mode) {
	p.mode = mode
}

// Enqueue transforms a submitted message and persists it as pending.
// The queued time is defaulted to now only when unset, so deferred
// delivery times survive and requeues keep their original rank.
func (p *Processor) Enqueue(m *types.Message) (int64, error) {
	if p.store == nil {
		return 0, ErrNoStore
	}

	out := ApplyMode(m, p.mode, &p.cfg.Mail)
	if out.QueuedTime.IsZero() {
		out.QueuedTime = p.now()
	}
	out.Status = types.StatusPending
	out.FailedAttempts = 0
	out.SentTime = nil

	uid, err := p.store.Create(out)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"uid":      uid,
		"priority": out.Priority,
	}).Debug("Message queued")

	return uid, nil
}

// EnqueueEach queues one copy of the message per recipient definition
// and returns how many copies were queued
func (p *Processor) EnqueueEach(m *types.Message, defs []types.Recipients) (int, error) {
	var errs []error
	queued := 0
	for _, def := range defs {
		dup := *m
		dup.Recipients = def
		if _, err := p.Enqueue(&dup); err != nil {
			errs = append(errs, err)
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

// Send transforms and delivers a message immediately, bypassing the queue.
// A successful send is recorded in the store (when present) so that direct
// sends count against the rate history too.
func (p *Processor) Send(m *types.Message) error {
	out := ApplyMode(m, p.mode, &p.cfg.Mail)

	if p.mode == ModeBlock {
		p.logger.WithField("recipients", out.LogString()).Info("Mail suppressed by block mode")
		return nil
	}

	account, err := p.registry.ResolveFor(out)
	if err != nil {
		return err
	}
	if !account.CanSendAnother() {
		return fmt.Errorf("%w: account %s", ErrRateLimited, account.Name)
	}

	if err := p.transport.Send(account, out); err != nil {
		return err
	}
	account.MarkSent()

	now := p.now()
	out.Status = types.StatusSent
	out.SentTime = &now
	out.SentViaAccount = account.Key()
	if out.QueuedTime.IsZero() {
		out.QueuedTime = now
	}

	if p.store != nil {
		if _, err := p.store.Create(out); err != nil {
			p.logger.WithError(err).Warn("Failed to record direct send in queue history")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"account":    account.Name,
		"recipients": out.LogString(),
	}).Info("Mail sent")

	p.deleteAttachments(out, false)
	return nil
}

// ProcessQueue runs one time-boxed pass: housekeeping, a ranked slice of
// due pending messages, and the delivery state machine per message. The
// wall-clock budget is checked between messages, never mid-send.
func (p *Processor) ProcessQueue(maxSeconds int) (*Stats, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	if _, err := p.registry.Default(); err != nil {
		return nil, err
	}

	if maxSeconds <= 0 {
		maxSeconds = 60
	}
	budget := time.Duration(maxSeconds) * time.Second
	start := p.now()

	runLog := p.logger.WithField("run", uuid.NewString())

	if err := p.store.Housekeeping(p.cfg.Queue.MaxSentAgeDays, p.cfg.Queue.MaxFailedAgeDays); err != nil {
		runLog.WithError(err).Warn("Housekeeping failed")
	}

	// Minute-scale runs get a smaller batch ceiling than hour-scale runs
	batchLimit := p.cfg.Queue.HourBatchLimit
	if maxSeconds <= 60 {
		batchLimit = p.cfg.Queue.MinuteBatchLimit
	}

	p.registry.BeginPass()

	uids, err := p.store.FindPendingUIDs(batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending messages: %w", err)
	}

	stats := &Stats{Pending: len(uids)}
	for _, uid := range uids {
		switch p.attempt(runLog, uid) {
		case outcomeSent:
			stats.Sent++
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
			stats.Processed++
		case outcomeSkipped:
			stats.Skipped++
		}

		if p.now().Sub(start) > budget {
			runLog.WithField("processed", stats.Processed).Info("Time budget exhausted, stopping early")
			break
		}
	}

	runLog.WithFields(logrus.Fields{
		"pending":   stats.Pending,
		"processed": stats.Processed,
		"sent":      stats.Sent,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	}).Info("Queue pass finished")

	return stats, nil
}

// SendByUID attempts delivery of one specific queued message; it reports
// whether the message was sent
func (p *Processor) SendByUID(uid int64) (bool, error) {
	if p.store == nil {
		return false, ErrNoStore
	}
	if _, err := p.registry.Default(); err != nil {
		return false, err
	}

	p.registry.BeginPass()
	return p.attempt(logrus.NewEntry(p.logger), uid) == outcomeSent, nil
}

// attempt runs the delivery state machine for one message: admission check,
// atomic claim, transport, then the sent/pending/failed transition
func (p *Processor) attempt(runLog *logrus.Entry, uid int64) outcome {
	log := runLog.WithField("uid", uid)

	m, err := p.store.Get(uid)
	if err != nil {
		log.WithError(err).Error("Failed to load message")
		return outcomeSkipped
	}
	if m == nil {
		log.Warn("Message vanished before pickup")
		return outcomeSkipped
	}

	account, err := p.registry.ResolveFor(m)
	if err != nil {
		log.WithError(err).Error("Failed to resolve sender account")
		return outcomeSkipped
	}

	// Admission refusal is a deferral: the message stays pending and
	// untouched, with no failed attempt recorded
	if !account.CanSendAnother() {
		log.WithField("account", account.Name).Debug("Rate limit reached, deferring message")
		return outcomeSkipped
	}

	claimed, err := p.store.ClaimPending(uid)
	if err != nil {
		log.WithError(err).Error("Failed to claim message")
		return outcomeSkipped
	}
	if !claimed {
		log.Debug("Message already claimed by another run")
		return outcomeSkipped
	}
	m.Status = types.StatusProcessing

	var sendErr error
	if p.mode == ModeBlock {
		log.WithField("recipients", m.LogString()).Info("Mail suppressed by block mode")
	} else {
		sendErr = p.transport.Send(account, m)
	}

	if sendErr == nil {
		now := p.now()
		m.Status = types.StatusSent
		m.SentTime = &now
		if p.mode != ModeBlock {
			m.SentViaAccount = account.Key()
			account.MarkSent()
		}
		if err := p.store.Save(m); err != nil {
			log.WithError(err).Error("Failed to persist sent status")
		}
		if p.mode != ModeBlock {
			log.WithFields(logrus.Fields{
				"account":    account.Name,
				"recipients": m.LogString(),
			}).Info("Mail sent")
			p.deleteAttachments(m, false)
		}
		return outcomeSent
	}

	log.WithError(sendErr).WithField("account", account.Name).Warn("Delivery failed")

	m.FailedAttempts++
	if m.FailedAttempts >= maxFailedAttempts {
		m.Status = types.StatusFailed
		log.WithField("attempts", m.FailedAttempts).Error("Message failed terminally")
		p.deleteAttachments(m, true)
	} else {
		// Back to pending with the original queued time, so the message
		// keeps its rank for the next pass
		m.Status = types.StatusPending
	}
	if err := p.store.Save(m); err != nil {
		log.WithError(err).Error("Failed to persist failure")
	}

	return outcomeFailed
}

// deleteAttachments applies the deletion policy: after a successful send
// every attachment flagged deleteAfterSent goes; after a terminal failure
// only those additionally flagged deleteAfterFailed go.
func (p *Processor) deleteAttachments(m *types.Message, terminalFailure bool) {
	for _, a := range m.Attachments {
		if !a.DeleteAfterSent {
			continue
		}
		if terminalFailure && !a.DeleteAfterFailed {
			continue
		}
		if err := p.removeFile(a.Path); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"uid":  m.UID,
				"path": a.Path,
			}).Warn("Failed to delete attachment file")
		}
	}
}

// NewTestMessage builds a small two-body message to the configured debug
// address
func (p *Processor) NewTestMessage() *types.Message {
	m := &types.Message{
		Subject: "Test-Mail",
		Body: types.Body{
			Text: "This is a successful e-mail test (TXT)",
			HTML: "<html><body><h1>Success</h1><p>This is a successful e-mail test (HTML)</p></body></html>",
		},
	}
	m.AddTo(types.Address{Email: p.cfg.Mail.DebugAddress})
	return m
}

// SendTestMail sends the test message to the debug address
func (p *Processor) SendTestMail() error {
	if p.cfg.Mail.DebugAddress == "" {
		return fmt.Errorf("MAIL_DEBUG_ADDRESS is not configured")
	}
	return p.Send(p.NewTestMessage())
}
