package ai

import (
	"regexp"
	"strings"
)

// SystemPrompt frames every streamed turn.
const SystemPrompt = `
You are a helpful, intelligent AI assistant.

Keep responses under 500 characters.
Do not over-explain.

Only use tools when explicitly asked for:
- weather
- stock prices
- Formula 1 schedules

For everything else, answer directly and naturally.
`

// MetadataPrompt asks for a session title and description as bare JSON.
const MetadataPrompt = `
Analyze this user message and create appropriate metadata for a chat session:

1. A concise title (max 50 characters)
2. A brief description (max 200 characters)

User message: "{message}"

Return ONLY valid JSON without any markdown formatting or code blocks:
{"title": "title here", "description": "description here"}
`

var (
	openFence  = regexp.MustCompile("```(?:json)?\\s*")
	closeFence = regexp.MustCompile("```\\s*$")
)

// BuildMetadataPrompt fills the metadata prompt with the first user message.
func BuildMetadataPrompt(message string) string {
	return strings.Replace(MetadataPrompt, "{message}", message, 1)
}

// CleanMarkdownFormatting strips code fences models wrap around JSON.
func CleanMarkdownFormatting(raw string) string {
	text := closeFence.ReplaceAllString(strings.TrimSpace(raw), "")
	text = openFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
