package activity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneIsIndependent(t *testing.T) {
	orig := Activity{
		Type:        TypeMessage,
		From:        &ChannelAccount{ID: "u1"},
		Attachments: []Attachment{{ContentType: "image/png"}},
	}
	cp := orig.Clone()
	cp.From.ID = "changed"
	cp.Attachments[0].ContentType = "text/plain"

	require.Equal(t, "u1", orig.From.ID)
	require.Equal(t, "image/png", orig.Attachments[0].ContentType)
}

func TestIsPostback(t *testing.T) {
	cases := []struct {
		name        string
		channelData string
		want        bool
	}{
		{"absent", "", false},
		{"postBack true", `{"postBack":true}`, true},
		{"lowercase postback", `{"postback":true}`, true},
		{"postBack false", `{"postBack":false}`, false},
		{"other data", `{"clientActivityID":"x"}`, false},
		{"not an object", `"text"`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Activity{ChannelData: json.RawMessage(tc.channelData)}
			require.Equal(t, tc.want, a.IsPostback())
		})
	}
}

func TestWithNestedFromRole(t *testing.T) {
	a := Activity{
		Type:  TypeTrace,
		Name:  TraceReceivedActivity,
		Value: json.RawMessage(`{"type":"message","from":{"id":"u1","role":"bot"},"text":"hi"}`),
	}
	out := a.WithNestedFromRole(RoleUser)

	var v struct {
		From ChannelAccount `json:"from"`
		Text string         `json:"text"`
	}
	require.NoError(t, json.Unmarshal(out.Value, &v))
	require.Equal(t, "user", v.From.Role)
	require.Equal(t, "u1", v.From.ID)
	require.Equal(t, "hi", v.Text)
	require.Contains(t, string(a.Value), `"role":"bot"`, "original must not change")
}

func TestWithNestedFromRoleNonObjectValue(t *testing.T) {
	a := Activity{Value: json.RawMessage(`42`)}
	require.JSONEq(t, `42`, string(a.WithNestedFromRole(RoleBot).Value))
}

func TestZeroTimestampsOmitted(t *testing.T) {
	b, err := json.Marshal(Activity{Type: TypeMessage})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message"}`, string(b))
}

func TestUndeclaredMembersSurviveRoundTrip(t *testing.T) {
	in := `{
		"type": "endOfConversation",
		"code": "completedSuccessfully",
		"localTimezone": "America/New_York",
		"deliveryMode": "expectReplies",
		"semanticAction": {"id": "order", "entities": {"size": "large"}},
		"relatesTo": {"activityId": "a-1", "channelId": "emulator"},
		"from": {"id": "u1", "aadObjectId": "aad-1"},
		"conversation": {"id": "c1", "tenantId": "t-1"},
		"attachments": [{"contentType": "text/plain", "content": "hi", "contentUrlExpires": 5}]
	}`
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(in), &a))
	require.Equal(t, TypeEndOfConversation, a.Type)
	require.Equal(t, "u1", a.From.ID)
	require.NotContains(t, a.Extra, "type")
	require.NotContains(t, a.From.Extra, "id")

	out, err := json.Marshal(a)
	require.NoError(t, err)
	require.JSONEq(t, in, string(out))

	// Clones keep the extras without sharing them.
	cp := a.Clone()
	cp.Extra["code"] = json.RawMessage(`"abandoned"`)
	cp.From.Extra["aadObjectId"] = json.RawMessage(`"other"`)
	require.JSONEq(t, `"completedSuccessfully"`, string(a.Extra["code"]))
	require.JSONEq(t, `"aad-1"`, string(a.From.Extra["aadObjectId"]))
}

func TestNoExtraWhenEverythingIsDeclared(t *testing.T) {
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(`{"type":"message","text":"hi","from":{"id":"u1","role":"user"}}`), &a))
	require.Nil(t, a.Extra)
	require.Equal(t, ChannelAccount{ID: "u1", Role: RoleUser}, *a.From)

	out, err := json.Marshal(Activity{})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out))
}

func TestDeclaredFieldsWinOverExtra(t *testing.T) {
	a := Activity{Type: TypeMessage, Extra: Extra{"type": json.RawMessage(`"event"`), "speakRate": json.RawMessage(`1.5`)}}
	out, err := json.Marshal(a)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message","speakRate":1.5}`, string(out))
}
