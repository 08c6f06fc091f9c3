// Package dispatch runs the throttled, cancellable send loop over a Run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"wablast/internal/events"
	"wablast/internal/gateway"
	"wablast/internal/outcome"
	logx "wablast/pkg/logx"
)

// Event texts published on the run stream.
const (
	MsgStart       = "Starting the message-sending process..."
	MsgAbortBefore = "Aborting process before sending next message..."
	MsgAbortSleep  = "Aborting process during sleep..."
	MsgBlocked     = "WhatsApp Account got banned! Exiting script now."
	MsgAborted     = "Process was aborted!"
	MsgCompleted   = "All messages processed."

	msgSentFmt   = "Successfully sent message to %s"
	msgFailedFmt = "Error %d while sending message to %s"
	msgNoRespFmt = "No response while sending message to %s: %s"
	msgHealthFmt = "Error checking API status: %s"
	msgFaultFmt  = "Error during processing: %v"
)

const defaultSleepTick = time.Second

type Option func(*Dispatcher)

func WithPacer(p Pacer) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.pacer = p
		}
	}
}

// WithTick sets the sleep increment between cancellation checks.
func WithTick(tick time.Duration) Option {
	return func(d *Dispatcher) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher executes runs against a gateway. It holds no per-run state and
// may execute several runs over its lifetime, one Execute call per Run.
type Dispatcher struct {
	gw    gateway.Client
	pacer Pacer
	tick  time.Duration
	log   logx.Logger
}

func New(gw gateway.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gw:    gw,
		pacer: NewRandomPacer(time.Now().UnixNano()),
		tick:  defaultSleepTick,
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Execute processes every pending row of run in order and returns once the
// run reached a terminal state. The terminal event is always the last event
// published on run.Stream, whatever the outcome.
//
// Cancelling ctx has the same effect as setting run.Signal.
func (d *Dispatcher) Execute(ctx context.Context, run *Run) Report {
	rep := Report{RunID: run.ID, StartedAt: time.Now()}
	log := d.log.With(logx.String("run", run.ID))

	run.setState(StateRunning)
	stop := context.AfterFunc(ctx, run.Signal.Set)
	defer stop()
	defer run.Stream.Terminate()

	state, sends, err := d.loop(ctx, run, log)
	run.setState(state)

	rep.State = state
	rep.Sends = sends
	rep.Err = err
	rep.Counts = run.Store.Counts()
	rep.FinishedAt = time.Now()

	log.Info("run finished",
		logx.String("state", state.String()),
		logx.Int("sends", sends),
		logx.Int("sent", rep.Counts.Sent),
		logx.Int("failed", rep.Counts.Failed),
		logx.Int("pending", rep.Counts.Pending),
		logx.Duration("took", rep.Duration()),
		logx.Err(err),
	)
	return rep
}

func (d *Dispatcher) loop(ctx context.Context, run *Run, log logx.Logger) (state State, sends int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			run.Stream.Publish(events.KindFault, fmt.Sprintf(msgFaultFmt, r), "")
			state = StateAborted
		}
	}()

	p := run.Params
	run.Stream.Publish(events.KindStart, MsgStart, "")
	log.Info("run started", logx.Int("pending", len(run.Store.Pending())))

	for {
		if ctx.Err() != nil {
			run.Signal.Set()
		}
		// a cancel that landed during the last send still wins over completion
		if run.Signal.IsSet() {
			log.Info("cancel observed before send")
			return d.aborted(run, MsgAbortBefore), sends, nil
		}
		row, ok := run.Store.Next()
		if !ok {
			run.Stream.Publish(events.KindCompleted, MsgCompleted, "")
			return StateCompleted, sends, nil
		}

		if blocked := d.probe(ctx, run, log); blocked {
			return StateBlocked, sends, nil
		}
		if run.Signal.IsSet() {
			continue
		}
		res, serr := d.gw.Send(ctx, gateway.Delivery{
			Recipient:  row.Address,
			Message:    p.Message,
			Attachment: p.Attachment,
			Credential: p.Credential,
		})
		if serr != nil {
			if ctx.Err() != nil {
				run.Signal.Set()
				log.Info("cancel observed during send")
				return d.aborted(run, MsgAbortBefore), sends, nil
			}
			log.Error("gateway fault", logx.String("recipient", row.Address), logx.Err(serr))
			run.Stream.Publish(events.KindFault, fmt.Sprintf(msgFaultFmt, serr), "")
			return StateAborted, sends, serr
		}
		sends++

		if res.OK {
			run.Store.Set(row.Index, outcome.Sent)
			run.Stream.Publish(events.KindSent, fmt.Sprintf(msgSentFmt, row.Address), row.Address)
			log.Debug("sent", logx.String("recipient", row.Address), logx.Int("status", res.StatusCode))
		} else {
			run.Store.Set(row.Index, outcome.Failed)
			run.Stream.Publish(events.KindFailed, failureText(res, row.Address), row.Address)
			log.Warn("send failed",
				logx.String("recipient", row.Address),
				logx.Int("status", res.StatusCode),
				logx.String("detail", res.Detail),
			)
		}

		if !run.Store.HasPending() {
			continue
		}
		delay := d.pacer.Delay(p.MinDelay, p.MaxDelay)
		if !d.sleep(ctx, run.Signal, delay) {
			log.Info("cancel observed during pacing delay", logx.Duration("delay", delay))
			return d.aborted(run, MsgAbortSleep), sends, nil
		}
	}
}

// failureText describes a failed send. StatusCode 0 means no response arrived.
func failureText(res gateway.SendResult, addr string) string {
	if res.StatusCode == 0 {
		detail := res.Detail
		if detail == "" {
			detail = "request failed"
		}
		return fmt.Sprintf(msgNoRespFmt, addr, detail)
	}
	return fmt.Sprintf(msgFailedFmt, res.StatusCode, addr)
}

func (d *Dispatcher) aborted(run *Run, notice string) State {
	run.Stream.Publish(events.KindAbort, notice, "")
	run.Stream.Publish(events.KindAborted, MsgAborted, "")
	return StateAborted
}

// probe checks the account before a send. It reports true when the account
// is blocked, in which case the run's signal has been set.
func (d *Dispatcher) probe(ctx context.Context, run *Run, log logx.Logger) bool {
	h, err := d.gw.ProbeHealth(ctx, run.Params.Credential)
	switch {
	case err == nil && h == gateway.HealthBlocked:
		log.Warn("account blocked by gateway")
		run.Stream.Publish(events.KindBlocked, MsgBlocked, "")
		run.Signal.Set()
		return true
	case err != nil:
		if ctx.Err() != nil {
			run.Signal.Set()
			return false
		}
		log.Warn("health probe failed", logx.Err(err))
		run.Stream.Publish(events.KindHealth, fmt.Sprintf(msgHealthFmt, probeDetail(err)), "")
	case h == gateway.HealthUnknown:
		log.Warn("health probe inconclusive")
		run.Stream.Publish(events.KindHealth, fmt.Sprintf(msgHealthFmt, h.String()), "")
	}
	return false
}

func probeDetail(err error) string {
	var se *gateway.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%d", se.Code)
	}
	return err.Error()
}

// sleep waits for delay in whole ticks, checking sig before each tick, then
// waits out the remainder. It returns false if sig was raised meanwhile.
func (d *Dispatcher) sleep(ctx context.Context, sig *Signal, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	ticks := int64(delay / d.tick)
	rest := delay % d.tick
	for i := int64(0); i < ticks; i++ {
		if sig.IsSet() {
			return false
		}
		if !wait(ctx, sig, d.tick) {
			return false
		}
	}
	if rest > 0 {
		if sig.IsSet() {
			return false
		}
		if !wait(ctx, sig, rest) {
			return false
		}
	}
	return !sig.IsSet()
}

func wait(ctx context.Context, sig *Signal, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-sig.Done():
		return false
	case <-ctx.Done():
		sig.Set()
		return false
	case <-t.C:
		return true
	}
}
