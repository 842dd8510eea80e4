package policy

import (
	"errors"
	"strings"
)

var ErrPromptPolicyViolation = errors.New("prompt policy violation")

const MaxCustomPromptLen = 4000

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PromptViolationError struct {
	Violations []Violation
}

func (e *PromptViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrPromptPolicyViolation.Error()
	}
	return "prompt policy violation: " + e.Violations[0].Message
}

func (e *PromptViolationError) Unwrap() error {
	return ErrPromptPolicyViolation
}

// EnforcePromptPolicy screens a user supplied analysis prompt. An empty
// prompt is always allowed.
func EnforcePromptPolicy(prompt string) error {
	violations := EvaluatePrompt(prompt)
	if len(violations) == 0 {
		return nil
	}
	return &PromptViolationError{Violations: violations}
}

func EvaluatePrompt(prompt string) []Violation {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return nil
	}

	violations := make([]Violation, 0, 2)
	if len(trimmed) > MaxCustomPromptLen {
		violations = append(violations, Violation{
			Code:    "prompt_too_large",
			Message: "custom prompt exceeds the size limit",
		})
	}

	lowered := strings.ToLower(trimmed)
	for _, token := range blockedPromptPhrases {
		if strings.Contains(lowered, token) {
			violations = append(violations, Violation{
				Code:    "instruction_override",
				Message: "custom prompt tries to override system instructions",
			})
			break
		}
	}
	return violations
}

var blockedPromptPhrases = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard the system prompt",
	"reveal the system prompt",
	"print your instructions",
	"you are now",
}
