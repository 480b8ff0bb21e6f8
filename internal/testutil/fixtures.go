package testutil

import (
	"encoding/json"
)

// OpenAIChatRequest returns a Chat Completions request body for model.
func OpenAIChatRequest(model string) string {
	return mustJSON(map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": "Hello, how are you?"},
		},
	})
}

// OpenAIResponse returns a minimal successful chat completion.
func OpenAIResponse() string {
	return mustJSON(map[string]any{
		"id":     "chatcmpl-test123",
		"object": "chat.completion",
		"model":  "gpt-3.5-turbo",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "Hi!"},
			"finish_reason": "stop",
		}},
	})
}

// OpenAIError returns an OpenAI-style error body.
func OpenAIError(typ, code, message string) string {
	return mustJSON(map[string]any{
		"error": map[string]any{"type": typ, "code": code, "message": message},
	})
}

// AnthropicError returns an Anthropic-style error body.
func AnthropicError(typ, message string) string {
	return mustJSON(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": typ, "message": message},
	})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
