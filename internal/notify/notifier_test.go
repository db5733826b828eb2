package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	titles   []string
	messages []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"position_closed"}, slog.New(slog.DiscardHandler))

	n.Notify(context.Background(), "position_opened", "u1 BTCUSDT opened")
	n.Notify(context.Background(), "position_closed", "u1 BTCUSDT closed (sl_hit)")

	require.Len(t, rec.messages, 1)
	require.Equal(t, "Position closed", rec.titles[0])
	require.Equal(t, "u1 BTCUSDT closed (sl_hit)", rec.messages[0])
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, slog.New(slog.DiscardHandler))

	n.Notify(context.Background(), "error", "something broke")
	n.Notify(context.Background(), "custom_event", "odd one")

	require.Len(t, rec.messages, 2)
	// Unknown events use the raw name as the title.
	require.Equal(t, "custom_event", rec.titles[1])
}
