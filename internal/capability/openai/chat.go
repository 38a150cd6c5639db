package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manash/lingolens/pkg/models"
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatMessageOut struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func textContent(text string) chatContent {
	return chatContent{Type: "text", Text: text}
}

// imageContent inlines the image as a base64 data URL.
func imageContent(img *models.Image) chatContent {
	dataURL := fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))
	return chatContent{
		Type: "image_url",
		ImageURL: &imageURL{
			URL:    dataURL,
			Detail: "high",
		},
	}
}

func userMessage(parts ...chatContent) chatMessage {
	return chatMessage{Role: "user", Content: parts}
}

func systemMessage(text string) chatMessage {
	return chatMessage{Role: "system", Content: []chatContent{textContent(text)}}
}

func structuredFormat(name string, schema json.RawMessage) *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchema{
			Name:   name,
			Strict: true,
			Schema: schema,
		},
	}
}

// redactRequest renders a request body for debug logs with image payloads cut.
func redactRequest(req *chatRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "model=%s", req.Model)
	if req.ResponseFormat != nil && req.ResponseFormat.JSONSchema != nil {
		fmt.Fprintf(&b, " schema=%s", req.ResponseFormat.JSONSchema.Name)
	}
	for _, m := range req.Messages {
		for _, c := range m.Content {
			switch c.Type {
			case "text":
				fmt.Fprintf(&b, " %s:text(%d)", m.Role, len(c.Text))
			case "image_url":
				fmt.Fprintf(&b, " %s:image", m.Role)
			}
		}
	}
	return b.String()
}
