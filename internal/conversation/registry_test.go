package conversation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
)

func TestWithModeSuffix(t *testing.T) {
	tests := []struct {
		id, mode, want string
	}{
		{"abc", conversation.ModeLivechat, "abc|livechat"},
		{"abc|livechat", conversation.ModeLivechat, "abc|livechat"},
		{"abc", conversation.ModeTranscript, "abc|transcript"},
		{"abc", conversation.ModeDebug, "abc"},
		{"abc", "", "abc"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, conversation.WithModeSuffix(tt.id, tt.mode))
	}
}

func TestCreateIsIdempotentPerID(t *testing.T) {
	reg := conversation.NewRegistry(conversation.Config{})
	params := conversation.Params{ID: "c", Mode: conversation.ModeDebug, Bot: activity.ChannelAccount{ID: "bot"}}

	first, created, err := reg.Create(params)
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := reg.Create(params)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, first, second)

	members := first.Members()
	require.Equal(t, activity.RoleBot, members[0].Role)
	require.Equal(t, activity.RoleUser, members[1].Role)
	require.NotEmpty(t, members[1].ID)
	require.Equal(t, conversation.DefaultLocale, first.Snapshot().Locale)
}

func TestCreateRequiresBot(t *testing.T) {
	reg := conversation.NewRegistry(conversation.Config{})
	_, _, err := reg.Create(conversation.Params{})
	e, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.MissingProperty, e.Code)
	require.Zero(t, reg.Count())
}

func TestRenameMovesAndClears(t *testing.T) {
	reg := conversation.NewRegistry(conversation.Config{})
	c, _, err := reg.Create(conversation.Params{ID: "old", Bot: activity.ChannelAccount{ID: "bot"}, User: activity.ChannelAccount{ID: "u1"}})
	require.NoError(t, err)
	c.StampForBot(activity.Activity{Type: activity.TypeMessage}, false)

	renamed, err := reg.Rename("old|livechat", "new", "u2")
	require.NoError(t, err)
	require.Same(t, c, renamed)
	require.Equal(t, "new|livechat", renamed.ID())
	require.Equal(t, "u2", renamed.User().ID)
	require.Zero(t, renamed.Snapshot().Transcript)

	_, ok := reg.Get("old|livechat")
	require.False(t, ok)
	got, err := reg.Lookup("new|livechat")
	require.NoError(t, err)
	require.Same(t, c, got)
}

func TestRenameErrors(t *testing.T) {
	reg := conversation.NewRegistry(conversation.Config{})
	bot := activity.ChannelAccount{ID: "bot"}
	_, _, err := reg.Create(conversation.Params{ID: "a", Bot: bot})
	require.NoError(t, err)
	_, _, err = reg.Create(conversation.Params{ID: "b", Bot: bot})
	require.NoError(t, err)

	_, err = reg.Rename("missing", "x", "")
	e, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.NotFound, e.Code)

	_, err = reg.Rename("a|livechat", "b", "")
	e, ok = apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.BadArgument, e.Code)
	require.Equal(t, 2, reg.Count())
}

func TestDelete(t *testing.T) {
	reg := conversation.NewRegistry(conversation.Config{})
	_, _, err := reg.Create(conversation.Params{ID: "gone", Mode: conversation.ModeDebug, Bot: activity.ChannelAccount{ID: "bot"}})
	require.NoError(t, err)
	require.True(t, reg.Delete("gone"))
	require.False(t, reg.Delete("gone"))
	_, err = reg.Lookup("gone")
	require.Error(t, err)
}
