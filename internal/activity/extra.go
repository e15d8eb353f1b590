package activity

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Extra holds the JSON members a schema type does not declare, so that
// activities relayed through the emulator keep every field the sender set.
// Values are raw JSON and treated as immutable.
type Extra map[string]json.RawMessage

// knownFields returns the lower-cased JSON names declared by struct type t.
func knownFields(t reflect.Type) map[string]bool {
	known := make(map[string]bool, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		known[strings.ToLower(name)] = true
	}
	return known
}

// splitExtra returns the members of the JSON object data that are not in
// known, or nil when there are none.
func splitExtra(data []byte, known map[string]bool) (Extra, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra Extra
	for k, v := range all {
		if known[strings.ToLower(k)] {
			continue
		}
		if extra == nil {
			extra = Extra{}
		}
		extra[k] = v
	}
	return extra, nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

// Clone returns a copy of e.
func (e Extra) Clone() Extra {
	return maps.Clone(e)
}

// joinExtra appends the members of extra that are not in known to the
// encoded JSON object base.
func joinExtra(base []byte, extra Extra, known map[string]bool) ([]byte, error) {
	if len(extra) == 0 {
		return base, nil
	}
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	first := bytes.Equal(bytes.TrimSpace(base), []byte("{}"))
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		if known[strings.ToLower(k)] {
			continue
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value := extra[k]
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// The field-only twins below carry the same JSON tags without the custom
// methods, so encoding/json handles the declared fields.
type (
	activityFields            Activity
	channelAccountFields      ChannelAccount
	conversationAccountFields ConversationAccount
	attachmentFields          Attachment
)

var (
	activityKnown            = knownFields(reflect.TypeFor[Activity]())
	channelAccountKnown      = knownFields(reflect.TypeFor[ChannelAccount]())
	conversationAccountKnown = knownFields(reflect.TypeFor[ConversationAccount]())
	attachmentKnown          = knownFields(reflect.TypeFor[Attachment]())
)

// UnmarshalJSON decodes the declared fields and keeps the rest in Extra.
func (a *Activity) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var f activityFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitExtra(data, activityKnown)
	if err != nil {
		return err
	}
	f.Extra = extra
	*a = Activity(f)
	return nil
}

// MarshalJSON encodes the declared fields followed by Extra.
func (a Activity) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(activityFields(a))
	if err != nil {
		return nil, err
	}
	return joinExtra(base, a.Extra, activityKnown)
}

func (c *ChannelAccount) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var f channelAccountFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitExtra(data, channelAccountKnown)
	if err != nil {
		return err
	}
	f.Extra = extra
	*c = ChannelAccount(f)
	return nil
}

func (c ChannelAccount) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(channelAccountFields(c))
	if err != nil {
		return nil, err
	}
	return joinExtra(base, c.Extra, channelAccountKnown)
}

func (c *ConversationAccount) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var f conversationAccountFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitExtra(data, conversationAccountKnown)
	if err != nil {
		return err
	}
	f.Extra = extra
	*c = ConversationAccount(f)
	return nil
}

func (c ConversationAccount) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(conversationAccountFields(c))
	if err != nil {
		return nil, err
	}
	return joinExtra(base, c.Extra, conversationAccountKnown)
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var f attachmentFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := splitExtra(data, attachmentKnown)
	if err != nil {
		return err
	}
	f.Extra = extra
	*a = Attachment(f)
	return nil
}

func (a Attachment) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(attachmentFields(a))
	if err != nil {
		return nil, err
	}
	return joinExtra(base, a.Extra, attachmentKnown)
}
