package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kesc-finance/wallet/internal/metrics"
	"github.com/kesc-finance/wallet/pkg/logger"
	"github.com/kesc-finance/wallet/pkg/model"
)

const (
	SubjectFlowStateChanged = "evt.kesc.flow.state_changed.v1"
	SubjectWalletRefreshed  = "evt.kesc.wallet.refreshed.v1"
)

// TransferSubject is the subject for a provider status change, e.g. evt.kesc.transfer.transfercomplete.v1.
func TransferSubject(status model.TransferStatus) string {
	return "evt.kesc.transfer." + strings.ToLower(string(status)) + ".v1"
}

// MsgPublisher is the part of nats.JetStreamContext the publisher uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and provides helpers for publishing canonical events.
// A nil *Publisher drops everything, so components can run without NATS.
type Publisher struct {
	nc      *nats.Conn
	js      MsgPublisher
	service string
	wallet  string
}

// New creates a new Publisher with JetStream enabled.
func New(nc *nats.Conn, service, wallet string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, js: js, service: service, wallet: wallet}, nil
}

// NewWithJetStream wraps an existing publisher, mainly for tests.
func NewWithJetStream(js MsgPublisher, service, wallet string) *Publisher {
	return &Publisher{js: js, service: service, wallet: wallet}
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"wallet":         []string{env.Wallet},
		},
	}
	return p.send(ctx, msg, env.EventType)
}

// PublishFlowEvent emits a flow lifecycle change. The flow id is the correlation id.
func (p *Publisher) PublishFlowEvent(ctx context.Context, ev model.FlowEvent) error {
	return p.publishFlow(ctx, SubjectFlowStateChanged, "kesc.flow.state_changed", ev)
}

// PublishTransferStatus emits a provider status change for the transfer in ev.
func (p *Publisher) PublishTransferStatus(ctx context.Context, ev model.FlowEvent) error {
	if ev.Status == "" {
		return nil
	}
	return p.publishFlow(ctx, TransferSubject(ev.Status), "kesc.transfer.status_changed", ev)
}

func (p *Publisher) publishFlow(ctx context.Context, subject, eventType string, ev model.FlowEvent) error {
	if p == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	correlation, err := uuid.Parse(ev.FlowID)
	if err != nil {
		correlation = uuid.New()
	}
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: correlation,
		Wallet:        p.wallet,
		Topic:         subject,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     ev.Timestamp,
		Payload:       payload,
	}
	return p.PublishEnvelope(ctx, subject, env)
}

// Publish publishes raw JSON payloads (for non-canonical internal events).
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncNATSMessage(subject, "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"source": []string{p.service}},
	}
	return p.send(ctx, msg, "raw")
}

func (p *Publisher) send(ctx context.Context, msg *nats.Msg, eventType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	_, err := p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, msg.Subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", msg.Subject,
			"event_type", eventType,
			"error", err,
		)
		metrics.IncNATSMessage(msg.Subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", msg.Subject,
		"event_type", eventType,
	)
	metrics.IncNATSMessage(msg.Subject, "ok")
	return nil
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
