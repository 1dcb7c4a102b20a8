package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"nhblend/core/types"
	"nhblend/crypto"
	"nhblend/native/lending"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: append([]byte(nil), payload...)})
	return &jetstream.PubAck{Stream: DefaultStream, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeStream) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type typedEvent struct{ evt *types.Event }

func (e typedEvent) EventType() string   { return e.evt.Type }
func (e typedEvent) Event() *types.Event { return e.evt }

func TestBusPublishesUnderPrefix(t *testing.T) {
	js := &fakeStream{}
	bus := New(js, "  ops.lending. ", nil)
	bus.newID = func() string { return "evt-1" }

	account := crypto.MustNewAddress(crypto.NHBPrefix, make([]byte, 20))
	bus.Emit(typedEvent{evt: lending.NewCollateralDepositedEvent(account, big.NewInt(40), big.NewInt(40))})

	require.Eventually(t, func() bool { return len(js.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	bus.Close()

	msg := js.snapshot()[0]
	require.Equal(t, "ops.lending."+lending.EventTypeCollateralDeposited, msg.subject)
	var body Message
	require.NoError(t, json.Unmarshal(msg.data, &body))
	require.Equal(t, "evt-1", body.ID)
	require.Equal(t, "40", body.Attributes["amount"])
	require.Equal(t, account.String(), body.Attributes["account"])
}

func TestBusCloseFlushesQueue(t *testing.T) {
	js := &fakeStream{}
	bus := New(js, "", nil)
	for i := 0; i < 10; i++ {
		bus.Emit(typedEvent{evt: &types.Event{Type: lending.EventTypePoolFunded}})
	}
	bus.Close()
	require.Len(t, js.snapshot(), 10)
	require.Equal(t, DefaultSubjectPrefix+"."+lending.EventTypePoolFunded, js.snapshot()[0].subject)

	bus.Emit(typedEvent{evt: &types.Event{Type: lending.EventTypePoolFunded}})
	require.Len(t, js.snapshot(), 10)
}

func TestBusSurvivesPublishFailures(t *testing.T) {
	js := &fakeStream{fail: true}
	bus := New(js, "", nil)
	bus.Emit(typedEvent{evt: &types.Event{Type: lending.EventTypeLoanCreated}})
	bus.Close()
	require.Empty(t, js.snapshot())
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: " "}, nil)
	require.Error(t, err)
}
