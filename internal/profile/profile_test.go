package profile_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
	"github.com/stretchr/testify/require"
)

func TestChain(t *testing.T) {
	t.Parallel()
	var seen []string
	record := func(name string, next bool, err error) profile.Handler {
		return profile.HandlerFunc(func(_ context.Context, msg model.Message, _ profile.Profile) (model.Message, bool, error) {
			seen = append(seen, name+":"+msg.Text)
			msg.Text = strings.ToUpper(msg.Text)
			return msg, next, err
		})
	}
	boom := errors.New("boom")

	var testCases = []struct {
		scenario string
		chain    profile.Chain
		then     []string
		err      error
	}{
		{"all", profile.Chain{record("a", true, nil), record("b", true, nil)}, []string{"a:hi", "b:HI"}, nil},
		{"short circuit", profile.Chain{record("a", false, nil), record("b", true, nil)}, []string{"a:hi"}, nil},
		{"error", profile.Chain{record("a", true, boom), record("b", true, nil)}, []string{"a:hi"}, boom},
		{"empty", nil, nil, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			seen = nil
			err := tc.chain.Apply(t.Context(), model.Message{Text: "hi"}, nil)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.then, seen)
		})
	}
}

func TestCLI(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	cli := profile.NewCLI(model.Profile{ID: "console"}, strings.NewReader("!help\nhello\n"), &out)
	require.Equal(t, "console", cli.ID())
	require.NoError(t, cli.Setup(t.Context(), t.TempDir()))

	var got []model.Message
	err := cli.Listen(t.Context(), func(m model.Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "!help", got[0].Text)
	require.Equal(t, "hello", got[1].Text)
	require.NotEqual(t, got[0].ID, got[1].ID)
	require.NotZero(t, got[0].Received)

	file := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o644))

	ctx := t.Context()
	require.NoError(t, cli.Send(ctx, got[0], "pong"))
	require.NoError(t, cli.SendFile(ctx, got[0], file))
	require.NoError(t, cli.Typing(ctx, got[0], true))
	require.NoError(t, cli.Typing(ctx, got[0], false))
	require.NoError(t, cli.Acknowledge(ctx, got[0]))
	require.Error(t, cli.SendFile(ctx, got[0], filepath.Join(t.TempDir(), "missing")))

	require.Equal(t, strings.Join([]string{
		"CLI > pong",
		"CLI > [File] " + file + " (5 bytes)",
		"CLI > Bot is writing",
		"CLI > Bot stopped writing",
		"CLI > Bot has read the message",
		"",
	}, "\n"), out.String())
	require.True(t, cli.HasPermission("anything"))
}

func TestCLI_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	cli := profile.NewCLI(model.Profile{ID: "console"}, strings.NewReader("a\nb\n"), &bytes.Buffer{})
	var calls int
	require.NoError(t, cli.Listen(ctx, func(model.Message) { calls++ }))
	require.Zero(t, calls)
}

func cliFactory() profile.Factory {
	return profile.Factory{
		model.ProfileTypeCLI: func(_ context.Context, cfg model.Profile) (profile.Profile, error) {
			return profile.NewCLI(cfg, strings.NewReader(""), &bytes.Buffer{}), nil
		},
		model.ProfileTypeRedis: func(context.Context, model.Profile) (profile.Profile, error) {
			return nil, errors.New("redis unavailable")
		},
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()
	f := cliFactory()

	p, err := f.New(t.Context(), model.Profile{ID: "console"})
	require.NoError(t, err)
	require.Equal(t, "console", p.ID())

	_, err = f.New(t.Context(), model.Profile{ID: "guild", Type: model.ProfileTypeDiscord})
	require.ErrorIs(t, err, model.ErrUnknownProfileType)

	_, err = f.New(t.Context(), model.Profile{ID: "stream", Type: model.ProfileTypeRedis})
	require.ErrorIs(t, err, model.ErrProfileConfig)
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(id, content string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, id, profile.FileName), []byte(content), 0o644))
	}
	write("scanned", "id: scanned\n")
	write("invalid", "id: [not, a, string]\n")
	write("console", "id: console\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	cfgs := []model.Profile{
		{ID: "console", Type: model.ProfileTypeCLI},
		{ID: "stream", Type: model.ProfileTypeRedis},
	}
	profiles, err := profile.Load(t.Context(), cliFactory(), dir, cfgs)
	require.NoError(t, err)

	var ids []string
	for _, p := range profiles {
		ids = append(ids, p.ID())
	}
	require.Equal(t, []string{"console", "scanned"}, ids)

	t.Run("missing dir", func(t *testing.T) {
		profiles, err := profile.Load(t.Context(), cliFactory(), filepath.Join(dir, "nope"), cfgs[:1])
		require.NoError(t, err)
		require.Len(t, profiles, 1)
	})
}
