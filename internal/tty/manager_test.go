package tty

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/sandbox"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// fakeShell is an in-memory ShellProcess whose output is fed by the test.
type fakeShell struct {
	out      *io.PipeReader
	outW     *io.PipeWriter
	mu       sync.Mutex
	written  []byte
	resized  [][2]uint16
	killed   bool
	waitDone chan struct{}
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{out: r, outW: w, waitDone: make(chan struct{})}
}

func (f *fakeShell) Reader() io.Reader { return f.out }

func (f *fakeShell) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data...)
	return len(data), nil
}

func (f *fakeShell) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, [2]uint16{cols, rows})
	return nil
}

func (f *fakeShell) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		_ = f.outW.Close()
		close(f.waitDone)
	}
	return nil
}

func (f *fakeShell) Wait() int {
	<-f.waitDone
	return 0
}

type fakePTYBackend struct {
	shell *fakeShell
}

func (b *fakePTYBackend) SpawnShell(ctx context.Context, spec sandbox.ShellSpec) (sandbox.ShellProcess, error) {
	return b.shell, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeShell, *events.Bus) {
	t.Helper()
	bus := events.NewBus(logger.Default())
	shell := newFakeShell()
	m := NewManager(&fakePTYBackend{shell: shell}, nil, bus, logger.Default())
	return m, shell, bus
}

func TestOpenEmitsEventAndPumpsOutput(t *testing.T) {
	m, shell, bus := newTestManager(t)

	var mu sync.Mutex
	var opened, output []map[string]any
	bus.On(v1.EventTTYOpened, func(e *events.Event) {
		mu.Lock()
		opened = append(opened, e.Payload)
		mu.Unlock()
	})
	bus.On(v1.EventTTYOutput, func(e *events.Event) {
		mu.Lock()
		output = append(output, e.Payload)
		mu.Unlock()
	})

	s, err := m.Open(context.Background(), sandbox.ShellSpec{PID: 42})
	require.NoError(t, err)
	assert.False(t, s.Containerized)

	mu.Lock()
	require.Len(t, opened, 1)
	assert.Equal(t, int64(42), opened[0]["pid"])
	mu.Unlock()

	_, err = shell.outW.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(output) > 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hello", output[0]["data"])
	assert.Equal(t, s.ID, output[0]["ttyId"])
	mu.Unlock()
}

func TestWriteUnknownTTYReturnsFalse(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.False(t, m.Write("nope", []byte("x")))
	assert.False(t, m.Resize("nope", 80, 24))
	assert.False(t, m.Close("nope"))
}

func TestCloseRemovesSessionAndEmits(t *testing.T) {
	m, _, bus := newTestManager(t)

	closed := make(chan struct{})
	bus.On(v1.EventTTYClosed, func(e *events.Event) { close(closed) })

	s, err := m.Open(context.Background(), sandbox.ShellSpec{PID: 7})
	require.NoError(t, err)

	assert.True(t, m.Close(s.ID))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("tty.closed not emitted")
	}

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, m.GetByPID(7))
}

func TestWriteAndResizeReachShell(t *testing.T) {
	m, shell, _ := newTestManager(t)
	s, err := m.Open(context.Background(), sandbox.ShellSpec{PID: 9})
	require.NoError(t, err)

	assert.True(t, m.Write(s.ID, []byte("ls\n")))
	assert.True(t, m.Resize(s.ID, 120, 40))

	shell.mu.Lock()
	assert.Equal(t, []byte("ls\n"), shell.written)
	require.Len(t, shell.resized, 1)
	assert.Equal(t, [2]uint16{120, 40}, shell.resized[0])
	shell.mu.Unlock()
}
