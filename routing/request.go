package routing

import (
	json "github.com/goccy/go-json"
)

// ChatRequest is the subset of the messages API body the router inspects.
// Unknown fields are preserved elsewhere; routing never rewrites the body.
type ChatRequest struct {
	Model     string       `json:"model"`
	Messages  []Message    `json:"messages"`
	System    SystemPrompt `json:"system,omitempty"`
	Tools     []Tool       `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Thinking  *Thinking    `json:"thinking,omitempty"`
	Metadata  *Metadata    `json:"metadata,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts both the shorthand string form and the block list
// form of message content.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		return nil
	}
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// PlainText flattens the content into one string, joining text blocks.
func (c MessageContent) PlainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var out string
	for _, block := range c.Blocks {
		if block.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

type ContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Name      string `json:"name,omitempty"`
}

// SystemPrompt accepts both the string form and the block list form of the
// system field.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

func (s SystemPrompt) PlainText() string {
	if s.Blocks == nil {
		return s.Text
	}
	var out string
	for _, block := range s.Blocks {
		if block.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

func (s SystemPrompt) Empty() bool {
	return s.Text == "" && len(s.Blocks) == 0
}

type Tool struct {
	Name string `json:"name"`
}

type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type Metadata struct {
	UserId string `json:"user_id,omitempty"`
}
