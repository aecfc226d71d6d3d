package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSignal(t *testing.T) {
	t.Run("keyword", func(t *testing.T) {
		signal, err := ParseSignal("keyword:refactor|rewrite")
		assert.NoError(t, err)
		assert.True(t, signal.Matches(&Factors{LastUserText: "please REWRITE this module"}))
		assert.False(t, signal.Matches(&Factors{LastUserText: "just read it"}))
		assert.False(t, signal.Matches(&Factors{}))
	})

	t.Run("task category", func(t *testing.T) {
		signal, err := ParseSignal("task_category:coding")
		assert.NoError(t, err)
		assert.True(t, signal.Matches(&Factors{TaskCategory: "coding"}))
		assert.False(t, signal.Matches(&Factors{TaskCategory: "ops"}))
	})

	t.Run("tool profile", func(t *testing.T) {
		signal, err := ParseSignal("tool_profile:multi")
		assert.NoError(t, err)
		assert.True(t, signal.Matches(&Factors{ToolProfile: "multi"}))
		assert.False(t, signal.Matches(&Factors{ToolProfile: "read"}))
	})

	t.Run("system prompt type with alias", func(t *testing.T) {
		for _, raw := range []string{"system_prompt_type:plan_mode", "system_tag:plan_mode"} {
			signal, err := ParseSignal(raw)
			assert.NoError(t, err)
			assert.True(t, signal.Matches(&Factors{SystemPromptTags: []string{"plan_mode", "long"}}))
			assert.False(t, signal.Matches(&Factors{SystemPromptTags: []string{"short"}}))
		}
	})

	t.Run("code context", func(t *testing.T) {
		signal, err := ParseSignal("has_code_context:true")
		assert.NoError(t, err)
		assert.True(t, signal.Matches(&Factors{HasCodeContext: true}))
		assert.False(t, signal.Matches(&Factors{}))
	})

	t.Run("numeric comparisons", func(t *testing.T) {
		cases := []struct {
			raw     string
			factors Factors
			want    bool
		}{
			{"messages_count:>=10", Factors{MessagesCount: 10}, true},
			{"messages_count:>=10", Factors{MessagesCount: 9}, false},
			{"messages_count:>10", Factors{MessagesCount: 10}, false},
			{"conversation_depth:<=3", Factors{ConversationDepth: 3}, true},
			{"conversation_depth:<3", Factors{ConversationDepth: 3}, false},
			{"prompt_chars:!=0", Factors{PromptChars: 100}, true},
			{"prompt_chars:==100", Factors{PromptChars: 100}, true},
			{"prompt_chars:100", Factors{PromptChars: 100}, true},
		}

		for _, c := range cases {
			signal, err := ParseSignal(c.raw)
			assert.NoError(t, err, c.raw)
			assert.Equal(t, c.want, signal.Matches(&c.factors), c.raw)
		}
	})

	t.Run("rejects malformed signals", func(t *testing.T) {
		for _, raw := range []string{
			"keyword",
			"keyword:",
			"keyword:[invalid",
			"unknown_type:value",
			"messages_count:abc",
			"messages_count:>=x",
			"has_code_context:maybe",
		} {
			_, err := ParseSignal(raw)
			assert.Error(t, err, raw)
		}
	})
}

func TestParseCondition(t *testing.T) {
	t.Run("equality on strings", func(t *testing.T) {
		condition, err := ParseCondition("requested_model", "==", "auto")
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{RequestedModel: "auto"}))
		assert.False(t, condition.Evaluate(&Factors{RequestedModel: "gpt-4o"}))
	})

	t.Run("ordered comparisons on ints", func(t *testing.T) {
		condition, err := ParseCondition("failure_streak", ">=", 2)
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{FailureStreak: 2}))
		assert.False(t, condition.Evaluate(&Factors{FailureStreak: 1}))

		// YAML hands over numbers as several Go types
		condition, err = ParseCondition("messages_count", "<", float64(5))
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{MessagesCount: 4}))
	})

	t.Run("bools", func(t *testing.T) {
		condition, err := ParseCondition("has_thinking_signature", "==", true)
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{HasThinkingSignature: true}))
		assert.False(t, condition.Evaluate(&Factors{}))
	})

	t.Run("in and not_in", func(t *testing.T) {
		condition, err := ParseCondition("task_category", "in", []any{"coding", "code-review"})
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{TaskCategory: "coding"}))
		assert.False(t, condition.Evaluate(&Factors{TaskCategory: "ops"}))

		condition, err = ParseCondition("tool_profile", "not_in", []any{"none", "read"})
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{ToolProfile: "multi"}))
		assert.False(t, condition.Evaluate(&Factors{ToolProfile: "none"}))
	})

	t.Run("contains on text and tags", func(t *testing.T) {
		condition, err := ParseCondition("last_user_text", "contains", "Deploy")
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{LastUserText: "please deploy to staging"}))
		assert.False(t, condition.Evaluate(&Factors{LastUserText: "run the tests"}))

		condition, err = ParseCondition("system_prompt_type", "contains", "plan_mode")
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{SystemPromptTags: []string{"plan_mode"}}))
		assert.False(t, condition.Evaluate(&Factors{SystemPromptTags: []string{"review"}}))
	})

	t.Run("exists and not_exists", func(t *testing.T) {
		condition, err := ParseCondition("last_user_text", "exists", nil)
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{LastUserText: "hi"}))
		assert.False(t, condition.Evaluate(&Factors{}))

		condition, err = ParseCondition("system_prompt_type", "not_exists", nil)
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{}))
		assert.False(t, condition.Evaluate(&Factors{SystemPromptTags: []string{"short"}}))
	})

	t.Run("regex", func(t *testing.T) {
		condition, err := ParseCondition("requested_model", "regex", `^claude-.*-4$`)
		assert.NoError(t, err)
		assert.True(t, condition.Evaluate(&Factors{RequestedModel: "claude-sonnet-4"}))
		assert.False(t, condition.Evaluate(&Factors{RequestedModel: "gpt-4o"}))
	})

	t.Run("rejects invalid conditions", func(t *testing.T) {
		_, err := ParseCondition("no_such_field", "==", "x")
		assert.Error(t, err)

		_, err = ParseCondition("requested_model", ">", "abc")
		assert.Error(t, err)

		_, err = ParseCondition("requested_model", "between", "x")
		assert.Error(t, err)

		_, err = ParseCondition("requested_model", "regex", "[broken")
		assert.Error(t, err)

		_, err = ParseCondition("task_category", "in", "not-a-list")
		assert.Error(t, err)
	})
}
