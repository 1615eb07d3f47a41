package service

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
)

// not parallel: replaces the default logger
func TestScheduleRelaunchAfterStop(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	pool := NewPool(1)
	t.Cleanup(func() { _ = pool.Close() })
	idle := make(chan struct{}, 1)
	s, err := NewSupervisor(t.Context(), SupervisorConfig{
		Dir:    t.TempDir(),
		Pool:   pool,
		OnIdle: func() { idle <- struct{}{} },
	})
	require.NoError(t, err)

	p := profile.NewCLI(model.Profile{ID: "stream"}, strings.NewReader(""), io.Discard)
	require.True(t, s.reserveRelaunch())
	s.Stop(t.Context())
	s.scheduleRelaunch(t.Context(), p, time.Second)

	require.Zero(t, s.Pending())
	require.Empty(t, idle)
	logs := buf.String()
	require.Contains(t, logs, "relaunch dropped")
	require.NotContains(t, logs, "relaunch scheduled")
	require.NotContains(t, logs, "level=ERROR")
}
