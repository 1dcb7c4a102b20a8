package lending

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"nhblend/core/events"
	"nhblend/core/types"
	"nhblend/crypto"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	return crypto.MustNewAddress(prefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

type payout struct {
	to     crypto.Address
	amount *big.Int
}

// recordingTransferer captures every payout and optionally runs a hook first.
type recordingTransferer struct {
	payouts []payout
	fail    error
	hook    func(to crypto.Address, amount *big.Int) error
}

func (r *recordingTransferer) Send(to crypto.Address, amount *big.Int) error {
	if r.hook != nil {
		if err := r.hook(to, amount); err != nil {
			return err
		}
	}
	if r.fail != nil {
		return r.fail
	}
	r.payouts = append(r.payouts, payout{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (r *recordingTransferer) total(to crypto.Address) *big.Int {
	sum := big.NewInt(0)
	for _, p := range r.payouts {
		if p.to.Equal(to) {
			sum.Add(sum, p.amount)
		}
	}
	return sum
}

type captureEmitter struct {
	events []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	if wrapper, ok := evt.(lendingEvent); ok && wrapper.evt != nil {
		c.events = append(c.events, wrapper.evt)
	}
}

func (c *captureEmitter) kinds() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

// last returns the most recent event of the given type.
func (c *captureEmitter) last(t *testing.T, eventType string) *types.Event {
	t.Helper()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			return c.events[i]
		}
	}
	t.Fatalf("no %s event emitted", eventType)
	return nil
}

type stubAccess struct{ shutdown bool }

func (s *stubAccess) IsShutdown() bool { return s.shutdown }

type clock struct{ now int64 }

func (c *clock) Now() int64         { return c.now }
func (c *clock) Advance(secs int64) { c.now += secs }

type harness struct {
	engine   *Engine
	transfer *recordingTransferer
	emitter  *captureEmitter
	access   *stubAccess
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithParams(t, Params{
		Policy:            DefaultRatioPolicy(),
		AnnualRatePercent: DefaultAnnualRatePercent,
	})
}

func newHarnessWithParams(t *testing.T, params Params) *harness {
	t.Helper()
	engine, err := NewEngine(params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h := &harness{
		engine:   engine,
		transfer: &recordingTransferer{},
		emitter:  &captureEmitter{},
		access:   &stubAccess{},
		clock:    &clock{now: 1_700_000_000},
	}
	engine.SetTransferer(h.transfer)
	engine.SetEmitter(h.emitter)
	engine.SetAccessControl(h.access)
	engine.SetNowFunc(h.clock.Now)
	return h
}

func (h *harness) fund(t *testing.T, amount int64) {
	t.Helper()
	if _, err := h.engine.FundPool(big.NewInt(amount)); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
}

func (h *harness) deposit(t *testing.T, who crypto.Address, amount int64) {
	t.Helper()
	if _, err := h.engine.DepositCollateral(who, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) borrow(t *testing.T, who crypto.Address, amount int64) uint64 {
	t.Helper()
	id, err := h.engine.Borrow(who, big.NewInt(amount))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return id
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func requireAmount(t *testing.T, got *big.Int, want int64, what string) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", what, want, got)
	}
}
