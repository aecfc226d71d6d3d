package routing

import (
	"regexp"
	"strings"

	"github.com/cliproxy/relay/utils"
)

// Upper bound on the user text excerpt kept for keyword matching and
// decision logs.
const lastUserTextLimit = 2000

// Number of trailing messages scanned for code context.
const codeContextWindow = 5

// Factors is everything the resolver can see about a request. Built once
// per request, before any routing decision.
type Factors struct {
	RequestedModel       string   `json:"requested_model"`
	MessagesCount        int      `json:"messages_count"`
	ConversationDepth    int      `json:"conversation_depth"`
	ToolsCount           int      `json:"tools_count"`
	PromptChars          int      `json:"prompt_chars"`
	LastUserText         string   `json:"last_user_text,omitempty"`
	HasThinkingSignature bool     `json:"has_thinking_signature"`
	HasSystemPrompt      bool     `json:"has_system_prompt"`
	SystemPromptTags     []string `json:"system_prompt_tags,omitempty"`
	TaskCategory         string   `json:"task_category"`
	ToolProfile          string   `json:"tool_profile"`
	HasCodeContext       bool     `json:"has_code_context"`
	FailureStreak        int      `json:"failure_streak"`
	SuccessStreak        int      `json:"success_streak"`
	SessionHash          string   `json:"session_hash,omitempty"`
}

// BuildFactors derives the routing factors from a parsed request. Streaks
// and the session hash are filled in by the caller afterwards.
func BuildFactors(request *ChatRequest) *Factors {
	factors := &Factors{
		RequestedModel: request.Model,
		MessagesCount:  len(request.Messages),
		ToolsCount:     len(request.Tools),
	}

	systemText := request.System.PlainText()
	factors.HasSystemPrompt = !request.System.Empty()
	factors.PromptChars = len(systemText)

	var lastUserText string
	for _, message := range request.Messages {
		text := message.Content.PlainText()
		factors.PromptChars += len(text)

		if message.Role == "user" {
			factors.ConversationDepth++
			if text != "" {
				lastUserText = text
			}
		}

		for _, block := range message.Content.Blocks {
			if block.Type == "thinking" && block.Signature != "" {
				factors.HasThinkingSignature = true
			}
		}
	}
	factors.LastUserText = utils.Truncate(lastUserText, lastUserTextLimit)

	factors.SystemPromptTags = classifySystemPrompt(systemText)
	factors.TaskCategory = classifyTask(factors.LastUserText)
	factors.ToolProfile = classifyTools(request.Tools)
	factors.HasCodeContext = detectCodeContext(request.Messages)

	return factors
}

var taskPatterns = []struct {
	category string
	pattern  *regexp.Regexp
}{
	{"architecture", regexp.MustCompile(`(?i)\b(architecture|architect|system design|design doc|high.level design|rfc|adr)\b`)},
	{"code-review", regexp.MustCompile(`(?i)\b(code review|review (this|my|the) (code|pr|change|diff)|pull request|review pr)\b`)},
	{"visual-coding", regexp.MustCompile(`(?i)\b(ui|css|layout|frontend|screenshot|mockup|tailwind|styling|component design)\b`)},
	{"coding", regexp.MustCompile(`(?i)\b(implement|fix|bug|refactor|compile|function|test fail|stack trace|exception|debug|write (a |the )?(test|function|class))\b`)},
	{"explore", regexp.MustCompile(`(?i)\b(where is|find|search|look up|explain|how does|what does|understand|walk me through)\b`)},
	{"ops", regexp.MustCompile(`(?i)\b(deploy|docker|kubernetes|k8s|pipeline|terraform|install|configure|provision|rollback)\b`)},
}

func classifyTask(lastUserText string) string {
	if lastUserText == "" {
		return "unknown"
	}
	for _, entry := range taskPatterns {
		if entry.pattern.MatchString(lastUserText) {
			return entry.category
		}
	}
	if len(lastUserText) < 80 {
		return "quick"
	}
	return "unknown"
}

var toolBuckets = []struct {
	profile string
	pattern *regexp.Regexp
}{
	{"coding", regexp.MustCompile(`(?i)^(edit|write|multi.?edit|notebook.?edit|str.?replace|apply.?patch)`)},
	{"ops", regexp.MustCompile(`(?i)^(bash|exec|shell|terminal|computer)`)},
	{"explore", regexp.MustCompile(`(?i)^(glob|grep|search|ls|list|web.?search|fetch)`)},
	{"read", regexp.MustCompile(`(?i)^(read|cat|open|view)`)},
}

func classifyTools(tools []Tool) string {
	if len(tools) == 0 {
		return "none"
	}

	matched := make(map[string]bool)
	for _, tool := range tools {
		for _, bucket := range toolBuckets {
			if bucket.pattern.MatchString(tool.Name) {
				matched[bucket.profile] = true
				break
			}
		}
	}

	if len(matched) >= 3 {
		return "multi"
	}
	// Bucket declaration order doubles as precedence.
	for _, bucket := range toolBuckets {
		if matched[bucket.profile] {
			return bucket.profile
		}
	}
	return "none"
}

var codePattern = regexp.MustCompile("```|\\bfunc |\\bdef |\\bclass |\\bimport |#include|=> |\\breturn |</?[a-z]+>")

func detectCodeContext(messages []Message) bool {
	start := len(messages) - codeContextWindow
	if start < 0 {
		start = 0
	}
	for _, message := range messages[start:] {
		if codePattern.MatchString(message.Content.PlainText()) {
			return true
		}
	}
	return false
}

const (
	longSystemPromptChars  = 5000
	shortSystemPromptChars = 500
)

func classifySystemPrompt(systemText string) []string {
	if systemText == "" {
		return nil
	}

	var tags []string
	lowered := strings.ToLower(systemText)
	if strings.Contains(lowered, "plan mode") {
		tags = append(tags, "plan_mode")
	}
	if strings.Contains(lowered, "review") {
		tags = append(tags, "review")
	}
	if len(systemText) > longSystemPromptChars {
		tags = append(tags, "long")
	} else if len(systemText) <= shortSystemPromptChars {
		tags = append(tags, "short")
	}
	return tags
}
