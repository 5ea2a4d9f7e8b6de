package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONResponse(t *testing.T) {
	t.Parallel()
	rc := NewResponseCleaner()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain json untouched",
			in:   `{"type":"task"}`,
			want: `{"type":"task"}`,
		},
		{
			name: "markdown fence with language tag",
			in:   "```json\n{\"type\":\"task\"}\n```",
			want: `{"type":"task"}`,
		},
		{
			name: "bare fence",
			in:   "```\n{\"urgency\":\"soon\"}\n```",
			want: `{"urgency":"soon"}`,
		},
		{
			name: "prose around the object",
			in:   `Here is the analysis: {"score": 5} hope that helps!`,
			want: `{"score": 5}`,
		},
		{
			name: "nested objects stay balanced",
			in:   `x {"a":{"b":{"c":1}},"d":2} y`,
			want: `{"a":{"b":{"c":1}},"d":2}`,
		},
		{
			name: "braces inside strings ignored",
			in:   `{"note":"use {curly} braces"}`,
			want: `{"note":"use {curly} braces"}`,
		},
		{
			name: "trailing comma repaired",
			in:   `{"a":1,"b":[1,2,],}`,
			want: `{"a":1,"b":[1,2]}`,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := rc.CleanJSONResponse(tc.in)
			assert.Equal(t, tc.want, got)
			assert.True(t, rc.IsValidJSON(got))
		})
	}
}

func TestCleanJSONResponse_NoObject(t *testing.T) {
	t.Parallel()
	rc := NewResponseCleaner()
	// Nothing recoverable: the caller's decode will fail and retry.
	assert.False(t, rc.IsValidJSON(rc.CleanJSONResponse("sorry, I cannot help with that")))
}

func TestSnippet(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", Snippet("abc", 5))
	assert.Equal(t, "abcde", Snippet("abcdefgh", 5))
}
