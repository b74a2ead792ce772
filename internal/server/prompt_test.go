package server

import (
	"strings"
	"testing"
)

func TestBuildPersonaSystemPromptDefaults(t *testing.T) {
	profile := profileRecord{
		Personality:  "unknown",
		Relationship: "stranger",
		Context:      "online",
		Tone:         "casual",
		Approach:     "subtle",
	}

	prompt := buildPersonaSystemPrompt(profile)

	if !strings.HasPrefix(prompt, "You are RizzMate, an AI assistant that helps with flirtatious conversations. ") {
		t.Fatalf("prompt missing persona framing: %q", prompt)
	}
	if strings.Contains(prompt, "The target person is") {
		t.Errorf("unknown personality must be omitted: %q", prompt)
	}
	if strings.Contains(prompt, "Your relationship with them is") {
		t.Errorf("stranger relationship must be omitted: %q", prompt)
	}
	if !strings.Contains(prompt, "The context is: online. ") {
		t.Errorf("context clause missing: %q", prompt)
	}
	if !strings.Contains(prompt, "Your conversation style should be casual and subtle. ") {
		t.Errorf("style clause missing: %q", prompt)
	}
	if !strings.HasSuffix(prompt, promptGuidelines) {
		t.Errorf("guidelines block must close the prompt: %q", prompt)
	}
}

func TestBuildPersonaSystemPromptClauseOrder(t *testing.T) {
	profile := profileRecord{
		Personality:  "extrovert",
		Relationship: "colleague",
		Context:      "work",
		Tone:         "funny",
		Approach:     "direct",
	}

	prompt := buildPersonaSystemPrompt(profile)

	clauses := []string{
		"You are RizzMate, an AI assistant that helps with flirtatious conversations. ",
		"The target person is extrovert. ",
		"Your relationship with them is: colleague. ",
		"The context is: work. ",
		"Your conversation style should be funny and direct. ",
		promptGuidelines,
	}
	cursor := 0
	for _, clause := range clauses {
		idx := strings.Index(prompt[cursor:], clause)
		if idx < 0 {
			t.Fatalf("clause %q missing or out of order in %q", clause, prompt)
		}
		cursor += idx + len(clause)
	}
}

func TestBuildPersonaSystemPromptDeterministic(t *testing.T) {
	profile := profileRecord{
		Personality:  "introvert",
		Relationship: "friend",
		Context:      "college",
		Tone:         "flirty",
		Approach:     "playful",
	}
	if buildPersonaSystemPrompt(profile) != buildPersonaSystemPrompt(profile) {
		t.Fatal("identical profiles must yield identical prompts")
	}
}

func TestAnalysisReplyPromptVariants(t *testing.T) {
	imagePrompt := analysisReplyPrompt(modalityImage, "a beach photo")
	if !strings.Contains(imagePrompt, "image analysis") || !strings.Contains(imagePrompt, "a beach photo") {
		t.Errorf("unexpected image prompt: %q", imagePrompt)
	}

	screenshotPrompt := analysisReplyPrompt(modalityScreenshot, "an unanswered chat")
	if !strings.Contains(screenshotPrompt, "screenshot analysis") || !strings.Contains(screenshotPrompt, "conversation starter") {
		t.Errorf("unexpected screenshot prompt: %q", screenshotPrompt)
	}
}
