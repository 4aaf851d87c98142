package tools

import "github.com/osagent/osa/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string                   `json:"for_llm"`          // content sent to the LLM
	Blocks  []providers.ContentBlock `json:"blocks,omitempty"` // structured content (images)
	IsError bool                     `json:"is_error"`
	Err     error                    `json:"-"` // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// ImageResult wraps an image into structured content blocks alongside a
// caption, for vision passback to the model.
func ImageResult(caption, base64Data, mediaType string) *Result {
	return &Result{
		ForLLM: caption,
		Blocks: []providers.ContentBlock{
			{Type: "text", Text: caption},
			{Type: "image", Data: base64Data, MediaType: mediaType},
		},
	}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
