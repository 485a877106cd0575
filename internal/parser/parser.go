// Package parser extracts code blocks and termination markers from raw LLM
// responses. It is a small dedicated grammar: precedence rules and edge cases
// live here, never in the agent loop.
//
// Marker grammar: FINAL(<text>) and FINAL_VAR(<identifier>). The keyword must
// appear at the start of a line or after whitespace, and the opening
// parenthesis must immediately follow it, which rejects false positives such
// as "FINALLY" or "FINAL ANSWER:". FINAL_VAR wins when both are present.
// Known limitation: FINAL content containing an unescaped ')' is truncated at
// that parenthesis.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/deepread/internal/sandbox"
)

// FinalKind distinguishes the two termination markers.
type FinalKind string

const (
	FinalText FinalKind = "FINAL"
	FinalVar  FinalKind = "FINAL_VAR"
)

// Final is a detected termination marker.
type Final struct {
	Kind    FinalKind
	Content string // Answer text for FINAL, variable name for FINAL_VAR.
}

var (
	// Tagged fences are preferred; untagged fences are the fallback.
	taggedFenceRe   = regexp.MustCompile("(?s)```go[ \t]*\n(.*?)```")
	untaggedFenceRe = regexp.MustCompile("(?s)```[ \t]*\n(.*?)```")

	// (?:^|\s) anchors the keyword; the paren must follow with no space.
	finalVarRe   = regexp.MustCompile(`(?m)(?:^|\s)FINAL_VAR\((\w+)\)`)
	finalOpenRe  = regexp.MustCompile(`(?m)(?:^|\s)FINAL\(`)
	truncNoticeRe = regexp.MustCompile(`\n\n\.\.\. \[Output truncated\. Total length: \d+ chars\]$`)
)

// ExtractCodeBlock returns the first fenced code fragment in text, or ""
// if none is present.
func ExtractCodeBlock(text string) string {
	if m := taggedFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := untaggedFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// DetectFinal scans text for a termination marker. FINAL_VAR is checked first
// and takes precedence when both markers appear. A FINAL marker with empty
// content is treated as no marker found.
func DetectFinal(text string) (Final, bool) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		return Final{Kind: FinalVar, Content: m[1]}, true
	}

	for _, loc := range finalOpenRe.FindAllStringIndex(text, -1) {
		if content, ok := scanFinalContent(text[loc[1]:]); ok {
			return Final{Kind: FinalText, Content: content}, true
		}
	}
	return Final{}, false
}

// scanFinalContent reads marker content up to the first unescaped ')'.
// An escaped parenthesis `\)` is unescaped in the returned content.
func scanFinalContent(rest string) (string, bool) {
	var b strings.Builder
	escaped := false
	for _, r := range rest {
		switch {
		case escaped:
			if r != ')' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ')':
			content := strings.TrimSpace(b.String())
			if content == "" {
				return "", false
			}
			return content, true
		default:
			b.WriteRune(r)
		}
	}
	// Unmatched parenthesis: no marker.
	return "", false
}

// Truncate bounds text to limit characters before it is fed back into the
// conversation. The cut backs up to the nearest preceding newline when that
// newline falls within the last 30% of the cut, and a notice stating the
// original length is appended. Idempotent at a fixed limit.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}

	// Already annotated and within bounds: leave it alone.
	if loc := truncNoticeRe.FindStringIndex(text); loc != nil && loc[0] <= limit {
		return text
	}

	cut := text[:limit]
	if nl := strings.LastIndexByte(cut, '\n'); nl > (limit*7)/10 {
		cut = cut[:nl]
	}

	return cut + fmt.Sprintf("\n\n... [Output truncated. Total length: %d chars]", len(text))
}

// FormatResult renders an execution result for inclusion in the conversation.
func FormatResult(res *sandbox.ExecutionResult) string {
	var parts []string

	if res.Output != "" {
		parts = append(parts, fmt.Sprintf("**Output:**\n```\n%s\n```", res.Output))
	}

	if res.Error != "" {
		if res.Success {
			parts = append(parts, fmt.Sprintf("**Stderr:**\n```\n%s\n```", res.Error))
		} else {
			parts = append(parts, fmt.Sprintf("**Error:**\n```\n%s\n```", res.Error))
		}
	}

	if len(parts) == 0 {
		if res.Success {
			return "*(Code executed successfully with no output)*"
		}
		return "*(Execution failed with no output)*"
	}

	return strings.Join(parts, "\n\n")
}
