package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kesc-finance/wallet/pkg/logger"
	"github.com/kesc-finance/wallet/pkg/model"
)

// --- mock types ---

type mockJetStream struct {
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func init() {
	logger.Init("kesc-wallet", "test", "debug")
}

// --- tests ---

func TestTransferSubject(t *testing.T) {
	assert.Equal(t, "evt.kesc.transfer.transfercomplete.v1", TransferSubject(model.TransferComplete))
	assert.Equal(t, "evt.kesc.transfer.transferfailed.v1", TransferSubject(model.TransferFailed))
}

func TestPublishFlowEvent(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "kesc-wallet", "0xabc")
	flowID := uuid.NewString()

	err := p.PublishFlowEvent(context.Background(), model.FlowEvent{
		FlowID: flowID, Kind: model.FlowSell, State: model.StateProcessing, TransferID: "tr-1",
	})
	require.NoError(t, err)
	require.Len(t, js.published, 1)

	msg := js.published[0]
	assert.Equal(t, SubjectFlowStateChanged, msg.Subject)
	assert.Equal(t, flowID, msg.Header.Get("correlation_id"))
	assert.Equal(t, "kesc-wallet", msg.Header.Get("service"))
	assert.Equal(t, "kesc.flow.state_changed", msg.Header.Get("event_type"))

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, "0xabc", env.Wallet)
	assert.False(t, env.Timestamp.IsZero())

	var ev model.FlowEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "tr-1", ev.TransferID)
	assert.Equal(t, model.StateProcessing, ev.State)
}

func TestPublishTransferStatus(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "kesc-wallet", "0xabc")

	require.NoError(t, p.PublishTransferStatus(context.Background(), model.FlowEvent{FlowID: "not-a-uuid"}))
	assert.Empty(t, js.published, "no status, nothing to publish")

	require.NoError(t, p.PublishTransferStatus(context.Background(), model.FlowEvent{FlowID: "not-a-uuid", Status: model.TransferComplete}))
	require.Len(t, js.published, 1)
	assert.Equal(t, "evt.kesc.transfer.transfercomplete.v1", js.published[0].Subject)
	assert.NotEmpty(t, js.published[0].Header.Get("correlation_id"))
}

func TestPublish_Raw(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "kesc-wallet", "")

	require.NoError(t, p.Publish(context.Background(), SubjectWalletRefreshed, map[string]any{"balance": "10"}))
	require.Len(t, js.published, 1)
	assert.Equal(t, "kesc-wallet", js.published[0].Header.Get("source"))
	assert.JSONEq(t, `{"balance":"10"}`, string(js.published[0].Data))

	err := p.Publish(context.Background(), "x", make(chan int))
	assert.Error(t, err, "unmarshalable payload")
}

func TestPublish_Failure(t *testing.T) {
	p := NewWithJetStream(&mockJetStream{fail: true}, "kesc-wallet", "")
	assert.Error(t, p.PublishFlowEvent(context.Background(), model.FlowEvent{FlowID: "f"}))
}

func TestPublish_CancelledContext(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "kesc-wallet", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "x", 1), context.Canceled)
	assert.Empty(t, js.published)
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.PublishFlowEvent(context.Background(), model.FlowEvent{}))
	assert.NoError(t, p.PublishTransferStatus(context.Background(), model.FlowEvent{Status: model.TransferFailed}))
	assert.NoError(t, p.Publish(context.Background(), "x", 1))
	p.Close()
}
