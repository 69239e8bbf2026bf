package voice

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectVoice(t *testing.T) {
	tests := []struct {
		name    string
		persona Persona
		want    string
	}{
		{"male formal", Persona{Sex: "Male", Personality: "Formal and precise"}, "echo"},
		{"male authoritative", Persona{Sex: "male", Personality: "authoritative"}, "echo"},
		{"male other", Persona{Sex: "male", Personality: "relaxed"}, "verse"},
		{"female friendly", Persona{Sex: "female", Personality: "Friendly, formal"}, "shimmer"},
		{"female calm", Persona{Sex: "female", Personality: "calm"}, "sage"},
		{"female formal", Persona{Sex: "female", Personality: "formal"}, "ash"},
		{"female other", Persona{Sex: "female"}, "shimmer"},
		{"unspecified formal", Persona{Personality: "formal"}, "echo"},
		{"unspecified friendly", Persona{Personality: "friendly"}, "shimmer"},
		{"unspecified calm", Persona{Personality: "calm"}, "sage"},
		{"unspecified", Persona{}, "alloy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectVoice(tt.persona))
		})
	}
}

func TestBuildInstructions(t *testing.T) {
	c := ScenarioContext{
		Persona: Persona{
			Name:       "Dana Ortiz",
			Role:       "CFO",
			Company:    "Northwind",
			PainPoints: "slow settlement",
		},
		Goal:       "Close a payments pilot",
		PacerStage: "C",
		Product:    Product{Name: "FastPay"},
	}
	history := []Message{
		{Role: "system", Content: "hidden"},
		{Role: "user", Content: "Hi Dana"},
		{Role: "assistant", Content: "Hello"},
	}

	got := BuildInstructions(c, history, "Sam")
	assert.True(t, strings.HasPrefix(got, "You are Dana Ortiz, CFO at Northwind."))
	assert.Contains(t, got, "Pain Points: slow settlement")
	assert.Contains(t, got, "Current Sales Stage (PACER): C")
	assert.Contains(t, got, "Product Focus: FastPay")
	assert.NotContains(t, got, "Product Description")
	assert.Contains(t, got, "Sam: Hi Dana\nDana Ortiz: Hello")
	assert.NotContains(t, got, "hidden")
	assert.Contains(t, got, "Decision Criteria: Value, reliability, support")
}

func TestBuildInstructionsDefaults(t *testing.T) {
	got := BuildInstructions(ScenarioContext{}, nil, "")
	assert.Contains(t, got, "You are Unknown Client, a client role at an unknown company.")
	assert.Contains(t, got, "Current Sales Stage (PACER): A")
	assert.Contains(t, got, "No conversation history yet.")
	assert.Contains(t, got, "salesperson named Salesperson")
}

func TestBuildInstructionsHistoryLimit(t *testing.T) {
	var history []Message
	for i := 0; i < 15; i++ {
		history = append(history, Message{Role: "user", Content: string(rune('a' + i))})
	}
	got := BuildInstructions(ScenarioContext{}, history, "Sam")
	assert.NotContains(t, got, "Sam: e\n")
	assert.Contains(t, got, "Sam: f\n")
	assert.Contains(t, got, "Sam: o\n")
}

func TestScenarioDigest(t *testing.T) {
	base := ScenarioContext{Persona: Persona{Name: "Dana", Role: "CFO", Company: "Northwind"}}

	same := base
	same.Goal = "different goal"
	same.Persona.Budget = "$10k"
	assert.Equal(t, base.Digest(), same.Digest())

	explicitA := base
	explicitA.PacerStage = "A"
	assert.Equal(t, base.Digest(), explicitA.Digest())

	staged := base
	staged.PacerStage = "P"
	assert.NotEqual(t, base.Digest(), staged.Digest())

	renamed := base
	renamed.Persona.Company = "Contoso"
	assert.NotEqual(t, base.Digest(), renamed.Digest())
}
