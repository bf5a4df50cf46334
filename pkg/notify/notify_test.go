package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	tasks []func()
	err   error
}

func (l *fakeLoop) Submit(fn func()) error {
	if l.err != nil {
		return l.err
	}
	l.tasks = append(l.tasks, fn)
	return nil
}

func (l *fakeLoop) run() {
	tasks := l.tasks
	l.tasks = nil
	for _, fn := range tasks {
		fn()
	}
}

func TestFunc_PauseResume(t *testing.T) {
	calls := 0
	n := NewFunc(func() { calls++ })

	n.Raise()
	require.Equal(t, 1, calls)

	n.Pause()
	n.Raise()
	n.Raise()
	require.Equal(t, 1, calls)

	n.Resume()
	require.Equal(t, 2, calls, "pending raises fire once on resume")
	n.Resume()
	require.Equal(t, 2, calls)

	n.Close()
	n.Raise()
	require.Equal(t, 2, calls)
}

func TestChan_EdgeTriggered(t *testing.T) {
	n := NewChan()
	n.Raise()
	n.Raise()
	require.Len(t, n.C(), 1)
	<-n.C()

	n.Pause()
	n.Raise()
	require.Empty(t, n.C())
	n.Resume()
	require.Len(t, n.C(), 1)
}

func TestLoop_Coalesces(t *testing.T) {
	calls := 0
	l := &fakeLoop{}
	n := NewLoop(l, func() { calls++ })

	n.Raise()
	n.Raise()
	n.Raise()
	require.Len(t, l.tasks, 1)
	l.run()
	require.Equal(t, 1, calls)

	n.Raise()
	n.Pause()
	l.run()
	require.Equal(t, 1, calls, "paused before the handler ran")
	n.Resume()
	l.run()
	require.Equal(t, 2, calls)
}

func TestLoop_ClosesWithLoop(t *testing.T) {
	l := &fakeLoop{err: errStopped}
	n := NewLoop(l, func() { t.Fatal("must not run") })
	n.Raise()
	require.True(t, n.closed.Load())
}

var errStopped = errors.New("stopped")
