package bridge

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/vitalscan/pkg/session"
)

// Sender delivers messages to the running program. *tea.Program satisfies
// it.
type Sender interface {
	Send(msg tea.Msg)
}

// Source is the part of a session the bridge observes.
type Source interface {
	Watch(ctx context.Context, version uint64) (session.State, error)
	Events() *session.EventBus
}

// StateMsg carries a new session state to the model.
type StateMsg struct {
	State session.State
}

// EventMsg carries a session event to the model.
type EventMsg struct {
	Event session.Event
}

// Start launches the state watcher and event watcher goroutines. Both only
// call p.Send; they never touch model state directly. The returned cancel
// function stops both and waits for them to exit, so no stale message is
// sent after it returns.
func Start(ctx context.Context, p Sender, src Source, version uint64) context.CancelFunc {
	bridgeCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	events := src.Events()
	sub := events.Subscribe(64)

	wg.Go(func() {
		defer events.Unsubscribe(sub)
		for {
			select {
			case <-bridgeCtx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				p.Send(EventMsg{Event: ev})
			}
		}
	})

	wg.Go(func() {
		cursor := version
		for {
			st, err := src.Watch(bridgeCtx, cursor)
			if err != nil {
				return
			}
			cursor = st.Version
			p.Send(StateMsg{State: st})
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}
