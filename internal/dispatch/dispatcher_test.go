package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wablast/internal/events"
	"wablast/internal/gateway"
	"wablast/internal/outcome"
)

func newRun(addrs ...string) *Run {
	rows := make([]outcome.Row, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, outcome.Row{Address: a})
	}
	return NewRun("run-1", outcome.NewStore(rows), Params{Message: "hi", Credential: "key"})
}

func noDelay() Option { return WithPacer(PacerFunc(func(_, _ time.Duration) time.Duration { return 0 })) }

func okGateway(calls *[]string) gateway.Funcs {
	var mu sync.Mutex
	return gateway.Funcs{
		SendFunc: func(_ context.Context, d gateway.Delivery) (gateway.SendResult, error) {
			mu.Lock()
			*calls = append(*calls, d.Recipient)
			mu.Unlock()
			return gateway.SendResult{OK: true, StatusCode: 200}, nil
		},
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func texts(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Text
	}
	return out
}

func countKind(evs []events.Event, k events.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestAllSucceed(t *testing.T) {
	var calls []string
	run := newRun("+1", "+2", "+3", "+4", "+5")
	rep := New(okGateway(&calls), noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 5, rep.Sends)
	assert.Equal(t, outcome.Counts{Sent: 5}, rep.Counts)
	assert.NoError(t, rep.Err)
	assert.Equal(t, []string{"+1", "+2", "+3", "+4", "+5"}, calls)

	evs := run.Stream.Snapshot()
	assert.Equal(t, 5, countKind(evs, events.KindSent))
	assert.Equal(t, 1, countKind(evs, events.KindTerminal))
	assert.True(t, evs[len(evs)-1].Terminal())
	assert.Equal(t, MsgStart, evs[0].Text)
	assert.Equal(t, MsgCompleted, evs[len(evs)-2].Text)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, "+"+string(rune('0'+i)), evs[i].Recipient)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	var calls []string
	run := newRun("+1", "+2")
	run.Signal.Set()

	rep := New(okGateway(&calls), noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateAborted, rep.State)
	assert.Empty(t, calls)
	assert.Equal(t, 0, rep.Sends)
	assert.Equal(t, outcome.Counts{Pending: 2}, rep.Counts)
	assert.Equal(t, []string{MsgStart, MsgAbortBefore, MsgAborted, events.TerminalMarker}, texts(run.Stream.Snapshot()))
}

func TestCancelledContextAborts(t *testing.T) {
	var calls []string
	run := newRun("+1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := New(okGateway(&calls), noDelay()).Execute(ctx, run)
	assert.Equal(t, StateAborted, rep.State)
	assert.Empty(t, calls)
	assert.True(t, run.Signal.IsSet())
}

func TestBlockedAtAttemptK(t *testing.T) {
	const k = 3
	var calls []string
	var probes atomic.Int32
	gw := okGateway(&calls)
	gw.ProbeFunc = func(context.Context, string) (gateway.HealthStatus, error) {
		if probes.Add(1) == k {
			return gateway.HealthBlocked, nil
		}
		return gateway.HealthOK, nil
	}
	run := newRun("+1", "+2", "+3", "+4", "+5")

	rep := New(gw, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateBlocked, rep.State)
	assert.Equal(t, k-1, len(calls))
	assert.True(t, run.Signal.IsSet())
	assert.Equal(t, []int{2, 3, 4}, run.Store.Pending())

	evs := run.Stream.Snapshot()
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, MsgBlocked, evs[len(evs)-2].Text)
	assert.Equal(t, events.KindBlocked, evs[len(evs)-2].Kind)
	assert.True(t, evs[len(evs)-1].Terminal())
}

func TestMixedOutcomes(t *testing.T) {
	gw := gateway.Funcs{
		SendFunc: func(_ context.Context, d gateway.Delivery) (gateway.SendResult, error) {
			if d.Recipient == "B" {
				return gateway.SendResult{OK: false, StatusCode: 500}, nil
			}
			return gateway.SendResult{OK: true, StatusCode: 200}, nil
		},
	}
	run := newRun("A", "B", "C")

	rep := New(gw, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, []string{
		MsgStart,
		"Successfully sent message to A",
		"Error 500 while sending message to B",
		"Successfully sent message to C",
		MsgCompleted,
		events.TerminalMarker,
	}, texts(run.Stream.Snapshot()))

	rows := run.Store.Rows()
	assert.Equal(t, []outcome.Outcome{outcome.Sent, outcome.Failed, outcome.Sent},
		[]outcome.Outcome{rows[0].Outcome, rows[1].Outcome, rows[2].Outcome})
}

func TestCancelDuringPacingDelay(t *testing.T) {
	var calls []string
	run := newRun("+1", "+2", "+3")
	d := New(okGateway(&calls),
		WithTick(5*time.Millisecond),
		WithPacer(PacerFunc(func(_, _ time.Duration) time.Duration { return time.Minute })),
	)

	sub := run.Stream.Subscribe()
	go func() {
		for {
			e, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			if e.Kind == events.KindSent {
				run.Signal.Set()
				return
			}
		}
	}()

	done := make(chan Report, 1)
	go func() { done <- d.Execute(context.Background(), run) }()

	var rep Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, 1, rep.Sends)
	assert.Equal(t, []int{1, 2}, run.Store.Pending())

	evs := run.Stream.Snapshot()
	assert.Equal(t, []string{
		MsgStart,
		"Successfully sent message to +1",
		MsgAbortSleep,
		MsgAborted,
		events.TerminalMarker,
	}, texts(evs))
}

func TestNoDelayAfterLastRow(t *testing.T) {
	var calls []string
	var delays atomic.Int32
	run := newRun("+1", "+2", "+3")
	d := New(okGateway(&calls), WithPacer(PacerFunc(func(_, _ time.Duration) time.Duration {
		delays.Add(1)
		return 0
	})))

	d.Execute(context.Background(), run)
	assert.Equal(t, int32(2), delays.Load())
}

func TestSleepHonoursFractionalRemainder(t *testing.T) {
	d := New(gateway.Funcs{}, WithTick(20*time.Millisecond))
	start := time.Now()
	ok := d.sleep(context.Background(), NewSignal(), 50*time.Millisecond)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestZeroPendingRows(t *testing.T) {
	run := newRun()
	rep := New(gateway.Funcs{}, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, []events.Kind{events.KindStart, events.KindCompleted, events.KindTerminal}, kinds(run.Stream.Snapshot()))
}

func TestProbeErrorIsNonFatal(t *testing.T) {
	var calls []string
	gw := okGateway(&calls)
	gw.ProbeFunc = func(context.Context, string) (gateway.HealthStatus, error) {
		return gateway.HealthUnknown, &gateway.StatusError{Code: 503}
	}
	run := newRun("+1")

	rep := New(gw, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, []string{
		MsgStart,
		"Error checking API status: 503",
		"Successfully sent message to +1",
		MsgCompleted,
		events.TerminalMarker,
	}, texts(run.Stream.Snapshot()))
}

func TestGatewayFaultAbortsRun(t *testing.T) {
	boom := errors.New("network unreachable")
	gw := gateway.Funcs{
		SendFunc: func(context.Context, gateway.Delivery) (gateway.SendResult, error) {
			return gateway.SendResult{}, boom
		},
	}
	run := newRun("+1", "+2")

	rep := New(gw, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateAborted, rep.State)
	assert.ErrorIs(t, rep.Err, boom)
	assert.Equal(t, outcome.Counts{Pending: 2}, rep.Counts)
	evs := run.Stream.Snapshot()
	assert.Equal(t, "Error during processing: network unreachable", evs[len(evs)-2].Text)
	assert.Equal(t, 1, countKind(evs, events.KindTerminal))
}

func TestPanicIsRecovered(t *testing.T) {
	gw := gateway.Funcs{
		SendFunc: func(context.Context, gateway.Delivery) (gateway.SendResult, error) {
			panic("kaboom")
		},
	}
	run := newRun("+1")

	rep := New(gw, noDelay()).Execute(context.Background(), run)

	assert.Equal(t, StateAborted, rep.State)
	require.Error(t, rep.Err)
	evs := run.Stream.Snapshot()
	assert.Equal(t, events.KindFault, evs[len(evs)-2].Kind)
	assert.Equal(t, "Error during processing: kaboom", evs[len(evs)-2].Text)
	assert.True(t, evs[len(evs)-1].Terminal())
}

func TestObserverSeesEventsWhileRunning(t *testing.T) {
	var calls []string
	run := newRun("+1", "+2")
	sub := run.Stream.Subscribe()

	go New(okGateway(&calls), noDelay()).Execute(context.Background(), run)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []events.Kind
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			break
		}
		got = append(got, e.Kind)
	}
	assert.Equal(t, []events.Kind{
		events.KindStart, events.KindSent, events.KindSent, events.KindCompleted, events.KindTerminal,
	}, got)
}

func TestCancelDuringLastSendAborts(t *testing.T) {
	run := newRun("+1", "+2")
	gw := gateway.Funcs{SendFunc: func(_ context.Context, d gateway.Delivery) (gateway.SendResult, error) {
		if d.Recipient == "+2" {
			run.Signal.Set()
		}
		return gateway.SendResult{OK: true, StatusCode: 200}, nil
	}}

	rep := New(gw, WithPacer(PacerFunc(func(_, _ time.Duration) time.Duration { return 5 * time.Millisecond }))).
		Execute(context.Background(), run)

	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, outcome.Counts{Sent: 2}, rep.Counts)
	assert.Equal(t, []string{
		MsgStart,
		"Successfully sent message to +1",
		"Successfully sent message to +2",
		MsgAbortBefore,
		MsgAborted,
		events.TerminalMarker,
	}, texts(run.Stream.Snapshot()))
}

func TestSendCancelledByContextEmitsAbortNotice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := gateway.Funcs{SendFunc: func(ctx context.Context, _ gateway.Delivery) (gateway.SendResult, error) {
		cancel()
		return gateway.SendResult{}, ctx.Err()
	}}
	run := newRun("+1", "+2")

	rep := New(gw, noDelay()).Execute(ctx, run)

	assert.Equal(t, StateAborted, rep.State)
	assert.NoError(t, rep.Err)
	assert.Equal(t, 0, rep.Sends)
	assert.Equal(t, outcome.Counts{Pending: 2}, rep.Counts)
	assert.Equal(t, []string{MsgStart, MsgAbortBefore, MsgAborted, events.TerminalMarker}, texts(run.Stream.Snapshot()))
}

func TestFailureWithoutResponseNamesDetail(t *testing.T) {
	gw := gateway.Funcs{SendFunc: func(context.Context, gateway.Delivery) (gateway.SendResult, error) {
		return gateway.SendResult{OK: false, Detail: "context deadline exceeded"}, nil
	}}
	run := newRun("+1")

	New(gw, noDelay()).Execute(context.Background(), run)

	evs := run.Stream.Snapshot()
	assert.Equal(t, events.KindFailed, evs[1].Kind)
	assert.Equal(t, "No response while sending message to +1: context deadline exceeded", evs[1].Text)
	assert.Equal(t, "No response while sending message to +2: request failed",
		failureText(gateway.SendResult{}, "+2"))
	assert.Equal(t, "Error 502 while sending message to +3",
		failureText(gateway.SendResult{StatusCode: 502}, "+3"))
}
