package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jkaninda/deepread/internal/sandbox"
)

func TestExtractCodeBlock_TaggedPreferred(t *testing.T) {
	text := "Some reasoning.\n```\nplain := 1\n```\nand\n```go\nx := 42\nfmt.Println(x)\n```\n"
	got := ExtractCodeBlock(text)
	if got != "x := 42\nfmt.Println(x)" {
		t.Errorf("expected tagged block, got %q", got)
	}
}

func TestExtractCodeBlock_UntaggedFallback(t *testing.T) {
	text := "```\ny := 2\n```"
	if got := ExtractCodeBlock(text); got != "y := 2" {
		t.Errorf("expected untagged block, got %q", got)
	}
}

func TestExtractCodeBlock_None(t *testing.T) {
	if got := ExtractCodeBlock("no code here"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestDetectFinal_VarTakesPrecedence(t *testing.T) {
	text := "Done.\nFINAL(y)\nFINAL_VAR(x)\n"
	f, ok := DetectFinal(text)
	if !ok {
		t.Fatal("expected a final marker")
	}
	if f.Kind != FinalVar || f.Content != "x" {
		t.Errorf("expected FINAL_VAR(x), got %s(%s)", f.Kind, f.Content)
	}
}

func TestDetectFinal_AnchoringRejectsSubstrings(t *testing.T) {
	for _, text := range []string{
		"... FINALLY done ...",
		"FINAL ANSWER: 42",
		"SEMIFINAL(42)",
		"FINAL (42)", // space before paren
	} {
		if _, ok := DetectFinal(text); ok {
			t.Errorf("expected no marker in %q", text)
		}
	}
}

func TestDetectFinal_Anchored(t *testing.T) {
	cases := []struct {
		text    string
		content string
	}{
		{"FINAL(42)", "42"},
		{"The answer:\nFINAL(the quick brown fox)", "the quick brown fox"},
		{"done FINAL(  padded  )", "padded"},
	}
	for _, tc := range cases {
		f, ok := DetectFinal(tc.text)
		if !ok {
			t.Errorf("expected marker in %q", tc.text)
			continue
		}
		if f.Kind != FinalText || f.Content != tc.content {
			t.Errorf("%q: got %s(%q)", tc.text, f.Kind, f.Content)
		}
	}
}

func TestDetectFinal_EmptyContentRejected(t *testing.T) {
	if _, ok := DetectFinal("FINAL()"); ok {
		t.Error("empty FINAL content should be rejected")
	}
	if _, ok := DetectFinal("FINAL(   )"); ok {
		t.Error("whitespace-only FINAL content should be rejected")
	}
}

func TestDetectFinal_UnmatchedParen(t *testing.T) {
	if _, ok := DetectFinal("FINAL(never closed"); ok {
		t.Error("unmatched parenthesis should not produce a marker")
	}
}

func TestDetectFinal_EscapedParen(t *testing.T) {
	f, ok := DetectFinal(`FINAL(f\(x\) = 2x)`)
	if !ok {
		t.Fatal("expected marker")
	}
	if f.Content != "f(x) = 2x" {
		t.Errorf("expected escaped parens unescaped, got %q", f.Content)
	}
}

func TestTruncate_Identity(t *testing.T) {
	s := "short output"
	if got := Truncate(s, 2000); got != s {
		t.Errorf("expected identity, got %q", got)
	}
}

func TestTruncate_BoundsAndNotice(t *testing.T) {
	s := strings.Repeat("a", 5000)
	got := Truncate(s, 2000)

	notice := fmt.Sprintf("... [Output truncated. Total length: %d chars]", len(s))
	if !strings.HasSuffix(got, notice) {
		t.Errorf("expected notice with original length, got tail %q", got[len(got)-60:])
	}
	if len(got) > 2000+len("\n\n")+len(notice) {
		t.Errorf("result too long: %d", len(got))
	}
}

func TestTruncate_NewlineBoundary(t *testing.T) {
	// Newline at position 1900 is within the last 30% of a 2000-char cut.
	s := strings.Repeat("a", 1900) + "\n" + strings.Repeat("b", 3000)
	got := Truncate(s, 2000)
	if !strings.HasPrefix(got, strings.Repeat("a", 1900)+"\n\n... [Output truncated") {
		t.Error("expected cut to back up to the newline boundary")
	}
}

func TestTruncate_Idempotent(t *testing.T) {
	s := strings.Repeat("line of output\n", 500)
	once := Truncate(s, 2000)
	twice := Truncate(once, 2000)
	if once != twice {
		t.Errorf("truncation not idempotent:\nonce:  %q\ntwice: %q", once[len(once)-80:], twice[len(twice)-80:])
	}
}

func TestFormatResult(t *testing.T) {
	cases := []struct {
		name string
		res  *sandbox.ExecutionResult
		want string
	}{
		{
			name: "output only",
			res:  &sandbox.ExecutionResult{Success: true, Output: "4"},
			want: "**Output:**\n```\n4\n```",
		},
		{
			name: "failure with trace",
			res:  &sandbox.ExecutionResult{Success: false, Error: "boom"},
			want: "**Error:**\n```\nboom\n```",
		},
		{
			name: "success with stderr",
			res:  &sandbox.ExecutionResult{Success: true, Output: "ok", Error: "warning"},
			want: "**Output:**\n```\nok\n```\n\n**Stderr:**\n```\nwarning\n```",
		},
		{
			name: "empty success",
			res:  &sandbox.ExecutionResult{Success: true},
			want: "*(Code executed successfully with no output)*",
		},
		{
			name: "empty failure",
			res:  &sandbox.ExecutionResult{Success: false},
			want: "*(Execution failed with no output)*",
		},
	}
	for _, tc := range cases {
		if got := FormatResult(tc.res); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
