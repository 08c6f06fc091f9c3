package app

import (
	"context"
	"sync/atomic"

	"wablast/internal/notify"
	"wablast/internal/storage"
)

// liveNotifier lets a config reload swap the notifier while the campaign
// manager keeps holding the same value.
type liveNotifier struct {
	cur atomic.Pointer[notifierBox]
}

type notifierBox struct{ n notify.Notifier }

func newLiveNotifier(n notify.Notifier) *liveNotifier {
	l := &liveNotifier{}
	l.Set(n)
	return l
}

func (l *liveNotifier) Set(n notify.Notifier) {
	if n == nil {
		n = notify.Nop{}
	}
	l.cur.Store(&notifierBox{n: n})
}

func (l *liveNotifier) RunFinished(ctx context.Context, r storage.RunRecord) error {
	return l.cur.Load().n.RunFinished(ctx, r)
}
