package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cliproxy/relay/utils/array"
)

// Condition is one parsed rule predicate. Rules combine conditions with
// all-of or any-of semantics.
type Condition struct {
	Field string
	Op    string

	// Compiled operand forms. Which one is set depends on the operator and
	// the field type.
	stringValue string
	intValue    int
	boolValue   bool
	listValue   []string
	pattern     *regexp.Regexp
}

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldInt
	fieldBool
	fieldList
)

var conditionFields = map[string]fieldKind{
	"requested_model":        fieldString,
	"last_user_text":         fieldString,
	"task_category":          fieldString,
	"tool_profile":           fieldString,
	"messages_count":         fieldInt,
	"conversation_depth":     fieldInt,
	"tools_count":            fieldInt,
	"prompt_chars":           fieldInt,
	"failure_streak":         fieldInt,
	"success_streak":         fieldInt,
	"has_thinking_signature": fieldBool,
	"has_system_prompt":      fieldBool,
	"has_code_context":       fieldBool,
	"system_prompt_type":     fieldList,
}

var orderedOps = map[string]bool{">": true, ">=": true, "<": true, "<=": true}

// ParseCondition validates and compiles a rule predicate. The raw value
// comes straight from YAML, so it may be a string, a number, a bool, or a
// list.
func ParseCondition(field string, op string, rawValue any) (*Condition, error) {
	kind, known := conditionFields[field]
	if !known {
		return nil, fmt.Errorf("condition references unknown field %q", field)
	}

	condition := &Condition{Field: field, Op: op}

	switch op {
	case "exists", "not_exists":
		// No operand.
		return condition, nil

	case "regex":
		if kind != fieldString {
			return nil, fmt.Errorf("regex requires a string field, got %q", field)
		}
		text, ok := rawValue.(string)
		if !ok {
			return nil, fmt.Errorf("regex operand for %q must be a string", field)
		}
		pattern, err := regexp.Compile("(?i)" + text)
		if err != nil {
			return nil, fmt.Errorf("invalid regex for %q: %v", field, err)
		}
		condition.pattern = pattern
		return condition, nil

	case "in", "not_in":
		list, err := toStringList(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%s operand for %q: %v", op, field, err)
		}
		condition.listValue = list
		return condition, nil

	case "contains", "not_contains":
		text, ok := rawValue.(string)
		if !ok {
			return nil, fmt.Errorf("%s operand for %q must be a string", op, field)
		}
		condition.stringValue = text
		return condition, nil

	case "==", "!=", ">", ">=", "<", "<=":
		if orderedOps[op] && kind != fieldInt {
			return nil, fmt.Errorf("%s requires a numeric field, got %q", op, field)
		}
		switch kind {
		case fieldInt:
			number, err := toInt(rawValue)
			if err != nil {
				return nil, fmt.Errorf("operand for %q: %v", field, err)
			}
			condition.intValue = number
		case fieldBool:
			boolValue, err := toBool(rawValue)
			if err != nil {
				return nil, fmt.Errorf("operand for %q: %v", field, err)
			}
			condition.boolValue = boolValue
		default:
			text, ok := rawValue.(string)
			if !ok {
				return nil, fmt.Errorf("operand for %q must be a string", field)
			}
			condition.stringValue = text
		}
		return condition, nil
	}

	return nil, fmt.Errorf("condition on %q uses unknown operator %q", field, op)
}

// Evaluate reports whether the condition holds for the given factors.
func (c *Condition) Evaluate(factors *Factors) bool {
	kind := conditionFields[c.Field]

	switch c.Op {
	case "exists", "not_exists":
		present := c.fieldPresent(factors, kind)
		if c.Op == "exists" {
			return present
		}
		return !present

	case "regex":
		return c.pattern.MatchString(c.stringField(factors))

	case "in", "not_in":
		var member bool
		if kind == fieldList {
			member = listsIntersect(factors.SystemPromptTags, c.listValue)
		} else {
			member = array.Contains(c.listValue, c.stringField(factors))
		}
		if c.Op == "in" {
			return member
		}
		return !member

	case "contains", "not_contains":
		var held bool
		if kind == fieldList {
			held = array.Contains(factors.SystemPromptTags, c.stringValue)
		} else {
			held = strings.Contains(
				strings.ToLower(c.stringField(factors)), strings.ToLower(c.stringValue))
		}
		if c.Op == "contains" {
			return held
		}
		return !held

	case "==", "!=":
		var equal bool
		switch kind {
		case fieldInt:
			equal = c.intField(factors) == c.intValue
		case fieldBool:
			equal = c.boolField(factors) == c.boolValue
		case fieldList:
			equal = array.Contains(factors.SystemPromptTags, c.stringValue)
		default:
			equal = c.stringField(factors) == c.stringValue
		}
		if c.Op == "==" {
			return equal
		}
		return !equal

	case ">", ">=", "<", "<=":
		return compareInts(c.intField(factors), c.Op, c.intValue)
	}

	return false
}

func (c *Condition) fieldPresent(factors *Factors, kind fieldKind) bool {
	switch kind {
	case fieldString:
		return c.stringField(factors) != ""
	case fieldInt:
		return c.intField(factors) != 0
	case fieldBool:
		return c.boolField(factors)
	case fieldList:
		return len(factors.SystemPromptTags) > 0
	}
	return false
}

func (c *Condition) stringField(factors *Factors) string {
	switch c.Field {
	case "requested_model":
		return factors.RequestedModel
	case "last_user_text":
		return factors.LastUserText
	case "task_category":
		return factors.TaskCategory
	case "tool_profile":
		return factors.ToolProfile
	}
	return ""
}

func (c *Condition) intField(factors *Factors) int {
	switch c.Field {
	case "messages_count":
		return factors.MessagesCount
	case "conversation_depth":
		return factors.ConversationDepth
	case "tools_count":
		return factors.ToolsCount
	case "prompt_chars":
		return factors.PromptChars
	case "failure_streak":
		return factors.FailureStreak
	case "success_streak":
		return factors.SuccessStreak
	}
	return 0
}

func (c *Condition) boolField(factors *Factors) bool {
	switch c.Field {
	case "has_thinking_signature":
		return factors.HasThinkingSignature
	case "has_system_prompt":
		return factors.HasSystemPrompt
	case "has_code_context":
		return factors.HasCodeContext
	}
	return false
}

func toStringList(rawValue any) ([]string, error) {
	switch value := rawValue.(type) {
	case []string:
		return value, nil
	case []any:
		list := make([]string, 0, len(value))
		for _, elem := range value {
			text, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("list element %v is not a string", elem)
			}
			list = append(list, text)
		}
		return list, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", rawValue)
}

func toInt(rawValue any) (int, error) {
	switch value := rawValue.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		return strconv.Atoi(value)
	}
	return 0, fmt.Errorf("expected an integer, got %T", rawValue)
}

func toBool(rawValue any) (bool, error) {
	switch value := rawValue.(type) {
	case bool:
		return value, nil
	case string:
		return strconv.ParseBool(value)
	}
	return false, fmt.Errorf("expected a bool, got %T", rawValue)
}

func listsIntersect(a []string, b []string) bool {
	for _, elem := range a {
		if array.Contains(b, elem) {
			return true
		}
	}
	return false
}
