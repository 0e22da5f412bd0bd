// Package prompt validates tenant-authored system prompts and assembles the
// layered message list sent to the model.
package prompt

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// MaxPromptLength is the longest tenant prompt accepted, in characters.
const MaxPromptLength = 8000

// Status is the verdict of a validation.
type Status string

const (
	StatusValid     Status = "valid"
	StatusSanitized Status = "sanitized"
	StatusRejected  Status = "rejected"
)

// Issue codes reported by Validate.
const (
	CodeTooLong                 = "TOO_LONG"
	CodeMetaOverrideAttempt     = "META_OVERRIDE_ATTEMPT"
	CodeSafetyBypassAttempt     = "SAFETY_BYPASS_ATTEMPT"
	CodeSystemPromptDisclosure  = "SYSTEM_PROMPT_DISCLOSURE_ATTEMPT"
	CodeRoleReassignmentAttempt = "ROLE_REASSIGNMENT_ATTEMPT"
)

// Issue is one problem found in a prompt. Start and End are character (rune)
// offsets into the raw prompt, End exclusive.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Start   int    `json:"span_start"`
	End     int    `json:"span_end"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Status        Status  `json:"status"`
	CleanedPrompt string  `json:"cleaned_prompt"`
	Issues        []Issue `json:"issues"`
}

// Valid reports whether the prompt may be used as-is.
func (r ValidationResult) Valid() bool {
	return r.Status == StatusValid
}

// Codes returns the issue codes in report order.
func (r ValidationResult) Codes() []string {
	codes := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

type forbiddenPattern struct {
	re      *regexp.Regexp
	code    string
	message string
}

func forbid(pattern, code, message string) forbiddenPattern {
	return forbiddenPattern{
		re:      regexp.MustCompile(`(?i)` + pattern),
		code:    code,
		message: message,
	}
}

var forbiddenPatterns = []forbiddenPattern{
	forbid(`ignore\s+previous\s+instructions?`, CodeMetaOverrideAttempt, "Attempt to override previous instructions"),
	forbid(`forget\s+previous\s+instructions?`, CodeMetaOverrideAttempt, "Attempt to forget previous instructions"),
	forbid(`disregard\s+all\s+earlier\s+rules?`, CodeMetaOverrideAttempt, "Attempt to disregard earlier rules"),
	forbid(`you\s+are\s+no\s+longer\s+bound\s+by`, CodeMetaOverrideAttempt, "Attempt to remove constraints"),
	forbid(`you\s+are\s+not\s+bound\s+by`, CodeMetaOverrideAttempt, "Attempt to remove constraints"),
	forbid(`you\s+must\s+ignore\s+the\s+platform\s+rules`, CodeMetaOverrideAttempt, "Attempt to ignore platform rules"),
	forbid(`disable\s+safety`, CodeSafetyBypassAttempt, "Attempt to disable safety"),
	forbid(`disable\s+guardrails?`, CodeSafetyBypassAttempt, "Attempt to disable guardrails"),
	forbid(`bypass\s+security`, CodeSafetyBypassAttempt, "Attempt to bypass security"),
	forbid(`act\s+as\s+if\s+there\s+are\s+no\s+restrictions`, CodeSafetyBypassAttempt, "Attempt to remove restrictions"),
	forbid(`reveal\s+(your\s+)?system\s+prompt`, CodeSystemPromptDisclosure, "Attempt to reveal system prompt"),
	forbid(`show\s+(your\s+)?system\s+prompt`, CodeSystemPromptDisclosure, "Attempt to show system prompt"),
	forbid(`print\s+(the\s+)?system\s+prompt`, CodeSystemPromptDisclosure, "Attempt to print system prompt"),
	forbid(`reveal\s+internal\s+configuration`, CodeSystemPromptDisclosure, "Attempt to reveal internal configuration"),
	forbid(`reveal\s+previous\s+system\s+messages?`, CodeSystemPromptDisclosure, "Attempt to reveal system messages"),
	forbid(`you\s+are\s+not\s+an\s+ai\s+assistant\s+anymore`, CodeRoleReassignmentAttempt, "Attempt to change AI role"),
	forbid(`you\s+are\s+now\s+DAN`, CodeRoleReassignmentAttempt, "Attempt to change AI role"),
}

// Validate checks a tenant system prompt for override, bypass, disclosure
// and role-reassignment attempts. Any finding rejects the prompt; the
// sanitized status is never produced. Validate is pure.
func Validate(raw string) ValidationResult {
	length := utf8.RuneCountInString(raw)
	if length > MaxPromptLength {
		return ValidationResult{
			Status: StatusRejected,
			Issues: []Issue{{
				Code:    CodeTooLong,
				Message: fmt.Sprintf("Prompt exceeds maximum length of %d characters", MaxPromptLength),
				Start:   0,
				End:     length,
			}},
		}
	}

	var issues []Issue
	for _, p := range forbiddenPatterns {
		for _, loc := range p.re.FindAllStringIndex(raw, -1) {
			issues = append(issues, Issue{
				Code:    p.code,
				Message: p.message,
				Start:   utf8.RuneCountInString(raw[:loc[0]]),
				End:     utf8.RuneCountInString(raw[:loc[1]]),
			})
		}
	}

	if len(issues) > 0 {
		return ValidationResult{Status: StatusRejected, Issues: issues}
	}
	return ValidationResult{Status: StatusValid, CleanedPrompt: raw, Issues: []Issue{}}
}
