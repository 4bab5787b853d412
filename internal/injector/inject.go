package injector

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/payload"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
	"github.com/coral-mesh/dlinject/internal/retry"
	"github.com/coral-mesh/dlinject/internal/shellcode"
)

// stages is the code generated for one session.
type stages struct {
	builder   shellcode.Builder
	class     proc.Class
	bootstrap shellcode.Blob
	loader    shellcode.Blob
	spin      shellcode.Blob
	freeze    bool
	parked    bool
}

// saved holds the bytes overwritten in the target.
type saved struct {
	trigger []byte
	slot    []byte
}

// Inject runs the session to completion. Until a target thread enters the
// bootstrap, ctx cancellation and Options.WaitTimeout abort the wait with
// TriggerTimeout after the original bytes are put back. Once a thread is
// parked in the new page the session always runs to the end.
//
// On abort the entry is parked on the spin trampoline and the slot checked
// once more before restoring. A thread that holds the lock but publishes no
// page within the grace wait is logged and the bytes are restored under it.
//
// Inject may be called once. A failure leaves the engine in Failed; bytes
// already written past the trigger wait are not rolled back.
func (e *Engine) Inject(ctx context.Context) error {
	if !e.state.configurable() {
		return errors.Errorf(errors.InvalidState, "inject", "session is %s", e.state)
	}

	if err := e.inject(ctx); err != nil {
		e.err = err
		e.setState(Failed)
		e.logger.Error().Err(err).Msg("Injection failed")
		return err
	}

	e.setState(Done)
	e.logger.Info().Str("page", hex(e.page)).Str("payload", e.path).Msg("Payload handed to loader")
	return nil
}

func (e *Engine) inject(ctx context.Context) error {
	e.setState(ResolvingStage)

	st, err := e.prepare()
	if err != nil {
		return err
	}

	orig, err := e.save(st)
	if err != nil {
		return err
	}

	if err := e.patch(st); err != nil {
		return err
	}

	page, err := e.awaitTrigger(ctx, st, orig)
	if err != nil {
		return err
	}
	e.page = page

	if st.freeze && !st.parked {
		if err := e.park(st); err != nil {
			return errors.Step("inject: freeze entry", err)
		}
	}

	e.setState(Restoring)
	// A thread is parked in the page from here on; ctx is no longer honoured.
	time.Sleep(e.opts.SettleDelay)
	if err := e.restore(st, orig); err != nil {
		return errors.Step("inject: restore", err)
	}

	e.setState(Loading)
	if err := e.writeCode(st, page, st.loader.Bytes); err != nil {
		return errors.Step("inject: write loader", err)
	}
	return nil
}

// prepare resolves everything the stages need and generates them. Nothing
// is written to the target.
func (e *Engine) prepare() (*stages, error) {
	if e.path == "" {
		return nil, errors.Errorf(errors.FileError, "inject: payload", "no payload path set")
	}

	class, err := e.target.Class()
	if err != nil {
		return nil, errors.Step("inject: target class", err)
	}

	builder, err := shellcode.ForMachine(class.Machine)
	if err != nil {
		return nil, errors.Step("inject: target class", err)
	}

	if err := payload.Validate(e.path, class); err != nil {
		return nil, errors.Step("inject: payload", err)
	}

	if err := e.bindDefaults(); err != nil {
		return nil, errors.Step("inject: bind symbols", err)
	}
	if err := e.bindLoader(); err != nil {
		return nil, errors.Step("inject: bind loader", err)
	}

	if e.trigger.Path != e.sync.Path {
		return nil, errors.Errorf(errors.SymbolMismatch, "inject: bind symbols",
			"trigger %s and sync slot %s live in different modules", e.trigger, e.sync)
	}

	st := &stages{builder: builder, class: class}
	st.freeze = e.opts.FreezeEntry == FreezeAlways ||
		(e.opts.FreezeEntry == FreezeAuto && builder.FreezesEntry())

	st.loader, err = builder.Loader(e.dlopen.Addr, e.path, e.trigger.Addr)
	if err != nil {
		return nil, errors.Step("inject: build loader", err)
	}
	if uint64(st.loader.Len()) > e.opts.AllocSize {
		return nil, errors.Errorf(errors.ShellcodeError, "inject: build loader",
			"loader stage is %d bytes, allocation is %d", st.loader.Len(), e.opts.AllocSize)
	}

	st.bootstrap, err = builder.Bootstrap(e.sync.Addr, e.opts.AllocSize)
	if err != nil {
		return nil, errors.Step("inject: build bootstrap", err)
	}

	if st.freeze {
		st.spin, err = builder.SpinTrampoline()
		if err != nil {
			return nil, errors.Step("inject: build trampoline", err)
		}
	}

	e.logger.Debug().
		Stringer("class", class).
		Int("bootstrap_size", st.bootstrap.Len()).
		Int("loader_size", st.loader.Len()).
		Bool("freeze_entry", st.freeze).
		Msg("Generated stages")
	return st, nil
}

func (e *Engine) save(st *stages) (*saved, error) {
	trigger, err := e.memory.Read(e.trigger.Addr, st.bootstrap.Len())
	if err != nil {
		return nil, errors.Step("inject: save trigger", err)
	}
	slot, err := e.memory.Read(e.sync.Addr, st.builder.WordSize())
	if err != nil {
		return nil, errors.Step("inject: save sync slot", err)
	}
	return &saved{trigger: trigger, slot: slot}, nil
}

// patch unlocks the sync slot and arms the trigger.
func (e *Engine) patch(st *stages) error {
	if err := e.memory.Write(e.sync.Addr, make([]byte, st.builder.WordSize())); err != nil {
		return errors.Step("inject: clear sync slot", err)
	}
	if err := e.writeCode(st, e.trigger.Addr, st.bootstrap.Bytes); err != nil {
		return errors.Step("inject: write bootstrap", err)
	}
	e.setState(Patched)
	e.logger.Debug().
		Str("trigger", e.trigger.String()).
		Str("sync", e.sync.String()).
		Msg("Bootstrap planted")
	return nil
}

// awaitTrigger polls the sync slot until a page address is published.
func (e *Engine) awaitTrigger(ctx context.Context, st *stages, orig *saved) (uint64, error) {
	e.setState(AwaitingTrigger)
	e.logger.Info().
		Str("trigger", e.trigger.String()).
		Dur("timeout", e.opts.WaitTimeout).
		Msg("Waiting for the target to call the trigger function")

	var page uint64
	check := func() (bool, error) {
		slot, err := e.readSlot(st)
		if err != nil {
			return false, err
		}
		addr, ok := shellcode.Published(slot)
		page = addr
		return ok, nil
	}

	err := retry.Poll(ctx, retry.PollConfig{Interval: e.opts.PollInterval, Timeout: e.opts.WaitTimeout}, check)
	if err == nil {
		e.logger.Info().Str("page", hex(page)).Msg("Bootstrap published its page")
		return page, nil
	}

	if !stderrors.Is(err, retry.ErrTimeout) && ctx.Err() == nil {
		return 0, errors.Step("inject: poll sync slot", err)
	}

	// New callers spin on the entry while the slot is checked once more. A
	// thread that took the lock just before the deadline is still inside the
	// bootstrap and must be let through.
	if st.freeze {
		if perr := e.park(st); perr != nil {
			e.logger.Warn().Err(perr).Msg("Failed to park trigger entry")
		}
		time.Sleep(e.opts.SettleDelay)
	}

	slot, rerr := e.readSlot(st)
	if rerr == nil && slot&shellcode.LockBit != 0 {
		e.logger.Warn().Msg("Trigger fired at the deadline, waiting for the bootstrap")
		grace := retry.PollConfig{Interval: e.opts.PollInterval, Timeout: e.opts.SettleDelay + time.Second}
		if perr := retry.Poll(context.Background(), grace, check); perr == nil {
			return page, nil
		}
		e.logger.Error().Msg("Bootstrap holds the sync slot but published no page")
	}

	if rerr := e.restore(st, orig); rerr != nil {
		e.logger.Error().Err(rerr).Msg("Failed to restore original bytes, target left patched")
	}
	return 0, errors.E(errors.TriggerTimeout, "inject: wait for trigger", err)
}

// park points the trigger entry at the spin trampoline.
func (e *Engine) park(st *stages) error {
	if err := e.memory.Write(e.trigger.Addr, st.spin.Bytes); err != nil {
		return err
	}
	st.parked = true
	e.logger.Debug().Str("addr", hex(e.trigger.Addr)).Msg("Parked trigger entry")
	return nil
}

func (e *Engine) readSlot(st *stages) (uint64, error) {
	b, err := e.memory.Read(e.sync.Addr, st.builder.WordSize())
	if err != nil {
		return 0, err
	}
	if len(b) == 8 {
		return st.class.Order.Uint64(b), nil
	}
	return uint64(st.class.Order.Uint32(b)), nil
}

// restore puts back the trigger bytes, then the sync slot.
func (e *Engine) restore(st *stages, orig *saved) error {
	if err := e.writeCode(st, e.trigger.Addr, orig.trigger); err != nil {
		return err
	}
	if err := e.memory.Write(e.sync.Addr, orig.slot); err != nil {
		return err
	}
	e.logger.Info().Str("trigger", e.trigger.String()).Msg("Restored trigger function and sync slot")
	return nil
}

// writeCode writes code over a location threads may be executing: the tail
// first, then the leading word, so a fetch from addr sees either the old
// head or the complete new code.
func (e *Engine) writeCode(st *stages, addr uint64, code []byte) error {
	head := min(len(code), st.builder.WordSize())
	if len(code) > head {
		if err := e.memory.Write(addr+uint64(head), code[head:]); err != nil {
			return err
		}
	}
	return e.memory.Write(addr, code[:head])
}
