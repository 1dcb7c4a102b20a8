package lending

import (
	"fmt"
	"math/big"

	"nhblend/crypto"
)

// Operation identifies an engine entry point for reentrancy bookkeeping.
type Operation uint8

const (
	OpDeposit Operation = iota
	OpFundPool
	OpBorrow
	OpRepay
	OpWithdraw
	OpWithdrawFree
)

func (o Operation) String() string {
	switch o {
	case OpDeposit:
		return "deposit"
	case OpFundPool:
		return "fund_pool"
	case OpBorrow:
		return "borrow"
	case OpRepay:
		return "repay"
	case OpWithdraw:
		return "withdraw"
	case OpWithdrawFree:
		return "withdraw_free"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// guarded reports whether the operation moves value out of the engine and so
// must reject nested calls into itself.
func (o Operation) guarded() bool {
	switch o {
	case OpBorrow, OpRepay, OpWithdraw, OpWithdrawFree:
		return true
	default:
		return false
	}
}

// Phase is the position of an in-flight operation within the
// validate -> commit -> transfer sequence.
type Phase uint8

const (
	PhaseValidating Phase = iota
	PhaseCommitted
	PhaseTransferring
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseCommitted:
		return "committed"
	case PhaseTransferring:
		return "transferring"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// envelope is the per-call frame pushed by TransferGateway.
type envelope struct {
	gateway *TransferGateway
	op      Operation
	mark    journalMark
	phase   Phase
}

// commit marks the end of the state mutation step. Mutations remain legal
// until the first send.
func (env *envelope) commit() {
	env.phase = PhaseCommitted
}

// send moves value through the configured Transferer. It is the only place
// control can leave the engine.
func (env *envelope) send(to crypto.Address, amount *big.Int) error {
	env.phase = PhaseTransferring
	if !positive(amount) {
		return nil
	}
	if env.gateway.transferer == nil {
		return fmt.Errorf("%w: no transferer configured", ErrTransferFailure)
	}
	if err := env.gateway.transferer.Send(to, new(big.Int).Set(amount)); err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", ErrTransferFailure, amount, to, err)
	}
	return nil
}

// invoke runs an external side effect such as a debt token mint as part of the
// transfer step.
func (env *envelope) invoke(what string, fn func() error) error {
	env.phase = PhaseTransferring
	if fn == nil {
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransferFailure, what, err)
	}
	return nil
}

// TransferGateway wraps every operation in an all-or-nothing envelope. State
// committed by the operation stays visible to nested calls made during the
// transfer step, and any failure reverts the journal to the mark taken on
// entry.
type TransferGateway struct {
	transferer Transferer
	journal    *journal
	inFlight   map[Operation]bool
	frames     []*envelope
	// complete runs once the outermost envelope succeeds.
	complete func()
}

func newTransferGateway(j *journal, transferer Transferer) *TransferGateway {
	g := &TransferGateway{
		transferer: transferer,
		journal:    j,
		inFlight:   make(map[Operation]bool),
	}
	j.onAppend = g.checkMutable
	return g
}

// Depth returns the number of nested operations currently executing.
func (g *TransferGateway) Depth() int { return len(g.frames) }

// InFlight reports whether op is currently executing.
func (g *TransferGateway) InFlight(op Operation) bool { return g.inFlight[op] }

// CurrentPhase returns the phase of the innermost operation, or PhaseDone
// when nothing is executing.
func (g *TransferGateway) CurrentPhase() Phase {
	if len(g.frames) == 0 {
		return PhaseDone
	}
	return g.frames[len(g.frames)-1].phase
}

func (g *TransferGateway) checkMutable() {
	if len(g.frames) == 0 {
		return
	}
	top := g.frames[len(g.frames)-1]
	if top.phase == PhaseTransferring {
		panic(fmt.Sprintf("lending engine: %s mutated state after its transfer step began", top.op))
	}
}

// execute runs body inside a fresh envelope. When the outermost envelope
// succeeds the completion hook runs after every guard has been released, so
// subscribers notified from it may call back into the engine.
func (g *TransferGateway) execute(op Operation, body func(env *envelope) error) error {
	if err := g.run(op, body); err != nil {
		return err
	}
	if len(g.frames) == 0 && g.complete != nil {
		g.complete()
	}
	return nil
}

func (g *TransferGateway) run(op Operation, body func(env *envelope) error) (err error) {
	if op.guarded() {
		if g.inFlight[op] {
			return fmt.Errorf("%w: %s already in progress", ErrReentrancyRejected, op)
		}
		g.inFlight[op] = true
		defer delete(g.inFlight, op)
	}

	env := &envelope{gateway: g, op: op, mark: g.journal.snapshot(), phase: PhaseValidating}
	g.frames = append(g.frames, env)
	defer func() {
		if r := recover(); r != nil {
			env.phase = PhaseFailed
			g.journal.revertTo(env.mark)
			g.frames = g.frames[:len(g.frames)-1]
			panic(r)
		}
		g.frames = g.frames[:len(g.frames)-1]
	}()

	if err = body(env); err != nil {
		env.phase = PhaseFailed
		g.journal.revertTo(env.mark)
		return err
	}
	env.phase = PhaseDone
	return nil
}
