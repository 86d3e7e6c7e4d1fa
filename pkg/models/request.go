package models

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionParams are the sampling parameters sent with every request of a run.
type CompletionParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature"`
}

// CompletionRequest is a provider-agnostic chat completion request.
type CompletionRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Params   CompletionParams `json:"params"`
}

// Completion is the result of a synchronous chat completion.
type Completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is an OpenAI streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a choice within a streaming chunk.
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// Messages builds the message list for a prompt, with an optional system prompt.
func Messages(system, prompt string) []ChatMessage {
	msgs := make([]ChatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: system})
	}
	return append(msgs, ChatMessage{Role: "user", Content: prompt})
}
