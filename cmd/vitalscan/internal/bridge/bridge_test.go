package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/vitalscan/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recorder) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []tea.Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tea.Msg(nil), r.msgs...)
}

// fakeSource hands out queued states, one per Watch call, then blocks.
type fakeSource struct {
	bus    *session.EventBus
	states chan session.State
}

func (f *fakeSource) Watch(ctx context.Context, version uint64) (session.State, error) {
	for {
		select {
		case <-ctx.Done():
			return session.State{}, ctx.Err()
		case st := <-f.states:
			if st.Version > version {
				return st, nil
			}
		}
	}
}

func (f *fakeSource) Events() *session.EventBus { return f.bus }

func TestStart_ForwardsStatesAndEvents(t *testing.T) {
	src := &fakeSource{bus: session.NewEventBus(), states: make(chan session.State, 4)}
	rec := &recorder{}

	stop := Start(context.Background(), rec, src, 0)

	src.states <- session.State{Version: 1, Scanning: true}
	src.states <- session.State{Version: 1}
	src.states <- session.State{Version: 2, Progress: 50}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)

	src.bus.Publish(session.Event{Kind: session.EventWarning, SessionID: "s1"})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)

	stop()

	msgs := rec.snapshot()
	assert.Equal(t, StateMsg{State: session.State{Version: 1, Scanning: true}}, msgs[0])
	assert.Equal(t, StateMsg{State: session.State{Version: 2, Progress: 50}}, msgs[1])
	ev, ok := msgs[2].(EventMsg)
	require.True(t, ok)
	assert.Equal(t, session.EventWarning, ev.Event.Kind)
}

func TestStart_CancelStopsSending(t *testing.T) {
	src := &fakeSource{bus: session.NewEventBus(), states: make(chan session.State, 1)}
	rec := &recorder{}

	stop := Start(context.Background(), rec, src, 0)
	stop()

	src.bus.Publish(session.Event{Kind: session.EventResults})
	src.states <- session.State{Version: 5}

	assert.Empty(t, rec.snapshot())
}
