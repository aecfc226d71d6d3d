package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Signal is one parsed category trigger. Signals come from config as
// "type:value" strings and are compiled once at load time; a category fires
// when any of its signals matches.
type Signal struct {
	// Original config string, kept for decision logs.
	Raw string

	kind string

	// keyword
	keyword *regexp.Regexp

	// task_category, tool_profile, system_prompt_type
	expected string

	// has_code_context
	expectedBool bool

	// numeric metrics
	metric    string
	op        string
	threshold int
}

var numericSignalMetrics = map[string]bool{
	"messages_count":     true,
	"conversation_depth": true,
	"prompt_chars":       true,
}

var comparisonOps = []string{"<=", ">=", "==", "!=", "<", ">"}

// ParseSignal compiles a "type:value" trigger string.
func ParseSignal(raw string) (*Signal, error) {
	kind, value, found := strings.Cut(raw, ":")
	if !found {
		return nil, fmt.Errorf("signal %q is missing a value", raw)
	}
	kind = strings.TrimSpace(kind)
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("signal %q is missing a value", raw)
	}

	signal := &Signal{Raw: raw, kind: kind}

	switch kind {
	case "keyword":
		pattern, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return nil, fmt.Errorf("signal %q has an invalid pattern: %v", raw, err)
		}
		signal.keyword = pattern

	case "task_category", "tool_profile":
		signal.expected = value

	case "system_prompt_type", "system_tag":
		// system_tag is the accepted alias for system_prompt_type.
		signal.kind = "system_prompt_type"
		signal.expected = value

	case "has_code_context":
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("signal %q must have a boolean value: %v", raw, err)
		}
		signal.expectedBool = boolValue

	default:
		if !numericSignalMetrics[kind] {
			return nil, fmt.Errorf("signal %q has an unknown type %q", raw, kind)
		}
		signal.kind = "numeric"
		signal.metric = kind

		op, operand, err := splitComparison(value)
		if err != nil {
			return nil, fmt.Errorf("signal %q: %v", raw, err)
		}
		signal.op = op
		signal.threshold = operand
	}

	return signal, nil
}

func splitComparison(value string) (string, int, error) {
	for _, op := range comparisonOps {
		if strings.HasPrefix(value, op) {
			operand, err := strconv.Atoi(strings.TrimSpace(value[len(op):]))
			if err != nil {
				return "", 0, fmt.Errorf("operand %q is not an integer", value[len(op):])
			}
			return op, operand, nil
		}
	}
	// A bare number means equality.
	operand, err := strconv.Atoi(value)
	if err != nil {
		return "", 0, fmt.Errorf("comparison %q is malformed", value)
	}
	return "==", operand, nil
}

// Matches reports whether the signal fires for the given factors.
func (s *Signal) Matches(factors *Factors) bool {
	switch s.kind {
	case "keyword":
		return factors.LastUserText != "" && s.keyword.MatchString(factors.LastUserText)
	case "task_category":
		return factors.TaskCategory == s.expected
	case "tool_profile":
		return factors.ToolProfile == s.expected
	case "system_prompt_type":
		for _, tag := range factors.SystemPromptTags {
			if tag == s.expected {
				return true
			}
		}
		return false
	case "has_code_context":
		return factors.HasCodeContext == s.expectedBool
	case "numeric":
		return compareInts(s.numericValue(factors), s.op, s.threshold)
	}
	return false
}

func (s *Signal) numericValue(factors *Factors) int {
	switch s.metric {
	case "messages_count":
		return factors.MessagesCount
	case "conversation_depth":
		return factors.ConversationDepth
	case "prompt_chars":
		return factors.PromptChars
	}
	return 0
}

func compareInts(value int, op string, threshold int) bool {
	switch op {
	case "<=":
		return value <= threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case ">":
		return value > threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	}
	return false
}
