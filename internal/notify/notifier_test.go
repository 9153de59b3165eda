package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

type fakeSender struct {
	name     string
	err      error
	titles   []string
	messages []string
}

func (s *fakeSender) Send(ctx context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestNotifyFiltersByKind(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{AlertOrderFailed}, testLogger())

	require.NoError(t, n.Notify(context.Background(), AlertOrderFailed, "t", "m"))
	require.NoError(t, n.Notify(context.Background(), AlertBookResync, "t2", "m2"))

	assert.Equal(t, []string{"t"}, s.titles)
}

func TestNotifyEmptyKindListAllowsAll(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	require.NoError(t, n.Notify(context.Background(), AlertBookResync, "t", "m"))
	assert.Len(t, s.titles, 1)
}

func TestNotifyOrderEventOnlyFailureShapes(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	ev := domain.OrderEvent{
		Type:          domain.OrderEventFilled,
		ClientOrderID: "mm-buy-1",
		Instrument:    domain.Instrument{Base: "ETH", Quote: "USDT"},
		Side:          domain.OrderSideBuy,
		FillBase:      decimal.NewFromInt(1),
	}
	require.NoError(t, n.NotifyOrderEvent(context.Background(), "binance", ev))
	assert.Empty(t, s.titles, "fills are routine, no alert")

	ev.Type = domain.OrderEventFailed
	require.NoError(t, n.NotifyOrderEvent(context.Background(), "binance", ev))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "Order failed", s.titles[0])
	assert.Contains(t, s.messages[0], "mm-buy-1")
	assert.Contains(t, s.messages[0], "binance")
}

func TestNotifyResync(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{AlertBookResync}, testLogger())

	inst := domain.Instrument{Base: "ETH", Quote: "USDT"}
	require.NoError(t, n.NotifyResync(context.Background(), "binance", inst))
	require.Len(t, s.messages, 1)
	assert.Contains(t, s.messages[0], "ETH-USDT")
}

func TestDispatchCollectsSenderFailures(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), AlertOrderFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1, "one failing sender must not block the rest")
}

func TestNoSendersIsNoOp(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.NoError(t, n.Notify(context.Background(), AlertOrderFailed, "t", "m"))
}
