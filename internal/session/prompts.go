package session

import (
	"fmt"

	"github.com/ashureev/careerpath/internal/domain"
)

const planSystemInstruction = `You are a world-class career strategist. Create a highly professional 7-step learning roadmap. ` +
	`Format: JSON array of objects. Each object: {"step": "Title", "desc": "3-4 sentences of deep insight", ` +
	`"links": [{"label": "Resource", "url": "URL"}]}. ` +
	`Use high-quality resources like Harvard Business Review, Coursera, or industry-specific documentation.`

// ChatFailureReply is appended when a chat turn could not be generated.
const ChatFailureReply = "I apologize, I'm experiencing a brief connectivity issue. Could you repeat that?"

func planPrompt(p domain.Profile) string {
	return fmt.Sprintf("Target: %s. Career Goal: %s. User Name: %s.", p.Interest, p.Goal, p.Name)
}

func mentorInstruction(p domain.Profile) string {
	return fmt.Sprintf("You are the Lead Mentor for %s. You are assisting them in reaching the goal of %s in the field of %s. "+
		"Use a professional, encouraging, and sophisticated tone.", p.Name, p.Goal, p.Interest)
}

func chatPrompt(roadmapJSON, message string) string {
	return fmt.Sprintf("Context Roadmap: %s. User Message: %s", roadmapJSON, message)
}

func welcomeMessage(p domain.Profile) string {
	return fmt.Sprintf("Greetings, %s. Your strategic roadmap for %s is now active. "+
		"I am here to provide granular guidance on any of these phases.", p.Name, p.Interest)
}
