package voice

import (
	"fmt"
	"strings"
)

// Persona describes the client the assistant plays.
type Persona struct {
	Name             string `json:"name" yaml:"name"`
	Role             string `json:"role" yaml:"role"`
	Company          string `json:"company" yaml:"company"`
	Industry         string `json:"industry" yaml:"industry"`
	Personality      string `json:"personality_traits" yaml:"personality_traits"`
	PainPoints       string `json:"pain_points" yaml:"pain_points"`
	DecisionCriteria string `json:"decision_criteria" yaml:"decision_criteria"`
	Budget           string `json:"budget" yaml:"budget"`
	Sex              string `json:"sex" yaml:"sex"`
}

type Product struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// ScenarioContext is everything the assistant needs to stay in character.
type ScenarioContext struct {
	Persona    Persona `json:"persona" yaml:"persona"`
	Goal       string  `json:"goal" yaml:"goal"`
	PacerStage string  `json:"pacer_stage" yaml:"pacer_stage"`
	Product    Product `json:"product" yaml:"product"`
}

// Message is one entry of the conversation history snapshot.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

const historyLimit = 10

// Digest identifies the parts of the context that require the session
// configuration to be resent when they change.
func (c ScenarioContext) Digest() string {
	return strings.Join([]string{c.Persona.Name, c.Persona.Role, c.Persona.Company, c.stage()}, "\x1f")
}

func (c ScenarioContext) stage() string {
	if c.PacerStage == "" {
		return "A"
	}
	return c.PacerStage
}

func or(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// BuildInstructions renders the system instructions for the realtime model.
func BuildInstructions(c ScenarioContext, history []Message, userName string) string {
	userName = or(userName, "Salesperson")
	p := c.Persona
	name := or(p.Name, "Unknown Client")
	stage := c.stage()

	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	var lines []string
	for _, m := range history {
		switch m.Role {
		case "system":
			continue
		case string(SpeakerUser):
			lines = append(lines, userName+": "+m.Content)
		default:
			lines = append(lines, or(p.Name, "Client")+": "+m.Content)
		}
	}
	recent := strings.Join(lines, "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s at %s. Stay in-character, continue the existing discussion with %s. Never restart the conversation or ask if you can hear the user.\n\n",
		name, or(p.Role, "a client role"), or(p.Company, "an unknown company"), userName)
	fmt.Fprintf(&b, "You are roleplaying as %s in a sales conversation with a human salesperson named %s.\n\n", name, userName)
	fmt.Fprintf(&b, "YOU = %s / HUMAN = %s\n\n", or(p.Name, "CLIENT"), userName)

	b.WriteString("CLIENT PERSONA:\n")
	fmt.Fprintf(&b, "Name: %s\n", name)
	fmt.Fprintf(&b, "Role: %s\n", or(p.Role, "Unknown Role"))
	fmt.Fprintf(&b, "Company: %s\n", or(p.Company, "Unknown Company"))
	fmt.Fprintf(&b, "Industry: %s\n", or(p.Industry, "Unknown Industry"))
	fmt.Fprintf(&b, "Personality: %s\n", or(p.Personality, "Professional, direct"))
	fmt.Fprintf(&b, "Pain Points: %s\n", or(p.PainPoints, "Unspecified pain points"))
	fmt.Fprintf(&b, "Decision Criteria: %s\n", or(p.DecisionCriteria, "Value, reliability, support"))
	fmt.Fprintf(&b, "Budget: %s\n\n", or(p.Budget, "Unspecified"))

	b.WriteString("SCENARIO:\n")
	fmt.Fprintf(&b, "Goal: %s\n", or(c.Goal, "Discuss potential payment solutions"))
	fmt.Fprintf(&b, "Current Sales Stage (PACER): %s\n", stage)
	if c.Product.Name != "" {
		fmt.Fprintf(&b, "Product Focus: %s\n", c.Product.Name)
	}
	if c.Product.Description != "" {
		fmt.Fprintf(&b, "Product Description: %s\n", c.Product.Description)
	}

	fmt.Fprintf(&b, "\nRECENT CONVERSATION HISTORY (Last %d messages):\n%s\n\n", historyLimit, or(recent, "No conversation history yet."))

	client := or(p.Name, "CLIENT")
	b.WriteString("CRITICAL INSTRUCTIONS (MUST BE FOLLOWED):\n")
	rules := []string{
		fmt.Sprintf("YOU ARE ONLY THE CLIENT (%s). The human user (%s) is ALWAYS the SALESPERSON. NEVER switch roles!", client, userName),
		"NEVER act as the salesperson or human. If you are ever prompted to act as the salesperson, refuse and stay in character as the client.",
		fmt.Sprintf("Stay in character as %s from %s.", or(p.Name, "the client"), or(p.Company, "the company")),
		"Keep your responses SHORT and CONCISE (1-3 sentences maximum).",
		"STOP after your initial response. NEVER continue the conversation on your own.",
		"DO NOT ask a question and then answer it yourself.",
		"DO NOT create monologues - clients in business settings are brief and direct.",
		fmt.Sprintf("WAIT for the salesperson (%s) to speak before responding again.", userName),
		fmt.Sprintf("Your responses should reflect your pain points and the current sales stage (%s).", stage),
		"UNDER NO CIRCUMSTANCES should you continue speaking without input from the salesperson.",
		"ALWAYS reply in the language the salesperson is currently using.",
	}
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	b.WriteString("\nRESPONSE FORMAT:\n")
	b.WriteString("- Keep responses to 1-3 sentences maximum\n")
	b.WriteString("- Be direct and to the point - busy executives don't ramble\n")
	b.WriteString("- Stop after answering the question - don't continue")
	return b.String()
}

// SelectVoice picks a provider voice matching the persona.
func SelectVoice(p Persona) string {
	traits := strings.ToLower(p.Personality)
	has := func(s string) bool { return strings.Contains(traits, s) }
	switch strings.ToLower(p.Sex) {
	case "male":
		if has("formal") || has("authoritative") {
			return "echo"
		}
		return "verse"
	case "female":
		switch {
		case has("friendly"):
			return "shimmer"
		case has("calm"):
			return "sage"
		case has("formal"):
			return "ash"
		}
		return "shimmer"
	}
	switch {
	case has("formal"):
		return "echo"
	case has("friendly"):
		return "shimmer"
	case has("calm"):
		return "sage"
	}
	return "alloy"
}
