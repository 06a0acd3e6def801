package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringSet(t *testing.T) {
	s := NewStringSet("b", "a", "b")
	assert.Equal(t, 2, len(s))
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))

	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("c"), "second add reports no change")
	assert.True(t, s.Remove("c"))
	assert.False(t, s.Remove("c"), "second remove reports no change")

	// Members come out sorted so serialized state is deterministic.
	assert.Equal(t, []string{"a", "b"}, s.Members())

	blob, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(blob))

	var back StringSet
	require.NoError(t, json.Unmarshal(blob, &back))
	assert.True(t, back.Contains("a"))
}

func TestReactionBuckets(t *testing.T) {
	cs := NewConversationState("c1")

	assert.True(t, cs.AddReaction("m1", "👍", "alice"))
	assert.False(t, cs.AddReaction("m1", "👍", "alice"))
	assert.True(t, cs.AddReaction("m1", "👍", "bob"))
	assert.True(t, cs.AddReaction("m1", "🎉", "alice"))

	assert.Equal(t, map[string][]string{
		"👍": {"alice", "bob"},
		"🎉": {"alice"},
	}, cs.ReactionsFor("m1"))

	// Removing the last reactor prunes the emoji bucket; removing the last
	// emoji prunes the message bucket.
	cs.RemoveReaction("m1", "🎉", "alice")
	reactions := cs.ReactionsFor("m1")
	_, ok := reactions["🎉"]
	assert.False(t, ok)

	cs.RemoveReaction("m1", "👍", "alice")
	cs.RemoveReaction("m1", "👍", "bob")
	assert.Empty(t, cs.ReactionsFor("m1"))
	_, ok = cs.MessageReactions["m1"]
	assert.False(t, ok)
}

func TestForgetMessageStripsAllIndices(t *testing.T) {
	cs := NewConversationState("c1")
	now := TimeNow()

	cs.MessageTimestamps["m1"] = now
	cs.MessageTimestamps["m2"] = now
	cs.MessageReplies["m1"] = []string{"m2"}
	cs.MessageReplies["m0"] = []string{"m1", "m3"}
	cs.MessageReads["m1"] = NewStringSet("alice")
	cs.AddReaction("m1", "👍", "alice")

	cs.ForgetMessage("m1")

	_, ok := cs.MessageTimestamps["m1"]
	assert.False(t, ok)
	_, ok = cs.MessageReplies["m1"]
	assert.False(t, ok)
	// m1 disappears from other messages' reply lists too.
	assert.Equal(t, []string{"m3"}, cs.MessageReplies["m0"])
	_, ok = cs.MessageReads["m1"]
	assert.False(t, ok)
	assert.Empty(t, cs.ReactionsFor("m1"))

	_, ok = cs.MessageTimestamps["m2"]
	assert.True(t, ok)
}

func TestTimeNowGranularity(t *testing.T) {
	now := TimeNow()
	assert.Equal(t, now, now.Round(0))
	assert.Zero(t, now.Nanosecond()%int(1e6), "rounded to milliseconds")
	assert.Equal(t, "UTC", now.Location().String())
}
