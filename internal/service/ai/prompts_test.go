package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanMarkdownFormatting(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"title\":\"a\"}\n```": `{"title":"a"}`,
		"```\n{\"title\":\"a\"}```  ":     `{"title":"a"}`,
		`  {"title":"a"}  `:               `{"title":"a"}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanMarkdownFormatting(in))
	}
}

func TestBuildMetadataPromptEmbedsMessage(t *testing.T) {
	prompt := BuildMetadataPrompt("how do tides work?")
	assert.Contains(t, prompt, `User message: "how do tides work?"`)
	assert.NotContains(t, prompt, "{message}")
}
