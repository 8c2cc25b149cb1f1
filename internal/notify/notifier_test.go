package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	name  string
	fail  bool
	sends int
}

func (f *fakeSender) Send(context.Context, string, string) error {
	f.sends++
	if f.fail {
		return errors.New("delivery failed")
	}
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifierFansOut(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil, testLogger())

	require.NoError(t, n.Notify(context.Background(), "signal_committed", "t", "m"))
	assert.Equal(t, 1, a.sends)
	assert.Equal(t, 1, b.sends)
}

func TestNotifierEventFilter(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, testLogger())

	require.NoError(t, n.Notify(context.Background(), "signal_committed", "t", "m"))
	assert.Zero(t, s.sends, "filtered events are never delivered")

	require.NoError(t, n.Notify(context.Background(), "position_closed", "t", "m"))
	assert.Equal(t, 1, s.sends)
}

func TestNotifierAggregatesFailures(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", fail: true}
	n := NewNotifier([]Sender{ok, bad}, nil, testLogger())

	err := n.Notify(context.Background(), "signal_committed", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	// The healthy sender still delivered.
	assert.Equal(t, 1, ok.sends)
}

func TestNotifierNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.NoError(t, n.Notify(context.Background(), "signal_committed", "t", "m"))
}
