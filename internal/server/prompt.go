package server

import (
	"fmt"
	"strings"
)

// Behavioral guidelines appended to every persona prompt. Kept as one block
// so the composed prompt stays deterministic and testable.
const promptGuidelines = `Guidelines:
- Be respectful and appropriate
- Be creative and engaging
- Match the conversation tone
- Keep responses concise (1-3 sentences)
- Be authentic and genuine
- Use humor when appropriate
- Be confident but not arrogant
- Show interest in the other person
- Be playful and fun
- Avoid being too forward or inappropriate`

const (
	imageAnalysisInstruction = "Analyze this image and provide context for a flirtatious conversation. " +
		"Describe what you see, the mood, setting, and suggest how to respond flirtatiously. " +
		"Keep it respectful and appropriate."

	screenshotAnalysisInstruction = "This is a screenshot. Analyze the text content, context, and suggest how to respond flirtatiously. " +
		"Focus on any messages, social media posts, or content that could be used for conversation. " +
		"Be creative and playful in your suggestions."

	startersInstruction = "Generate 5 creative conversation starters based on the profile information. " +
		"Make them engaging and appropriate for the context."
)

// buildPersonaSystemPrompt derives the generator's steering prompt from
// profile attributes. Clause order is fixed: persona framing, personality
// (omitted when unknown), relationship (omitted for strangers), context,
// tone/approach, then the guidelines block.
func buildPersonaSystemPrompt(profile profileRecord) string {
	var b strings.Builder

	b.WriteString("You are RizzMate, an AI assistant that helps with flirtatious conversations. ")

	if profile.Personality != "unknown" && strings.TrimSpace(profile.Personality) != "" {
		fmt.Fprintf(&b, "The target person is %s. ", profile.Personality)
	}
	if profile.Relationship != "stranger" && strings.TrimSpace(profile.Relationship) != "" {
		fmt.Fprintf(&b, "Your relationship with them is: %s. ", profile.Relationship)
	}
	if strings.TrimSpace(profile.Context) != "" {
		fmt.Fprintf(&b, "The context is: %s. ", profile.Context)
	}
	fmt.Fprintf(&b, "Your conversation style should be %s and %s. ", profile.Tone, profile.Approach)

	b.WriteString("\n")
	b.WriteString(promptGuidelines)
	return b.String()
}

func analysisReplyPrompt(modality string, analysis string) string {
	if modality == modalityScreenshot {
		return fmt.Sprintf("Based on this screenshot analysis: %q, suggest a flirtatious response or conversation starter.", analysis)
	}
	return fmt.Sprintf("Based on this image analysis: %q, suggest a flirtatious response.", analysis)
}
