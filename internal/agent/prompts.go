package agent

import (
	"fmt"
	"strings"
)

// ContextStats summarizes the loaded context for the system prompt and for
// startup logging.
type ContextStats struct {
	Chars int
	Words int
	Lines int
	Files int // 0 in single-document mode
}

const systemPromptTemplate = `You are an AI assistant that analyzes documents by writing and executing Go code.

## IMPORTANT: The Document is Already Loaded

The document you need to analyze is already loaded in a variable called ` + "`Context`" + `.
- Document Size: %d characters (~%d words)
- Document Type: %s

You do NOT need to ask the user for the document. Start by exploring it with code.

## How to Work

### Step 1: Always Start with Exploration
Your FIRST action should be to explore the context:
` + "```go" + `
fmt.Println("Document has", len(Context), "characters")
fmt.Println("First 1500 chars:")
fmt.Println(Context[:1500])
` + "```" + `

### Step 2: Analyze Using Code
Write code to search, extract, or process the document:
` + "```go" + `
matches := regexp.MustCompile(` + "`func (\\w+)\\(`" + `).FindAllStringSubmatch(Context, -1)
fmt.Println("Functions found:", len(matches))
` + "```" + `

### Step 3: Use LlmQuery for Complex Analysis
For summarizing or explaining extracted text:
` + "```go" + `
chunk := Context[1000:3000]
summary := LlmQuery("Explain this code:\n" + chunk)
fmt.Println(summary)
` + "```" + `
%s
## Termination

When you have gathered enough information to answer, use:
- FINAL(your complete answer here) - for text answers
- FINAL_VAR(variable_name) - to return a variable's value

CRITICAL: Do NOT use FINAL until you have actually analyzed the document with code!

## Rules

1. The context IS the document. Explore ` + "`Context`" + `, do not ask for it.
2. Never print the entire context. Use slicing: Context[:2000], Context[5000:7000].
3. Execute code first, answer later. Always run code before giving a final answer.
4. Be thorough. Explore multiple sections before concluding.

Now analyze the document to answer the user's query.`

const directoryHelpText = `
## Directory Mode

The context is a directory of %d indexed files. Extra helpers are available:
- ListFiles(pattern) lists indexed file paths
- ReadFile(path) returns one file's content
- SearchFiles(pattern) greps all files, returning "path:line: text" matches
`

// systemPrompt renders the agent's system prompt from the context metadata.
func systemPrompt(stats ContextStats, contextType string) string {
	if contextType == "" {
		contextType = "text document"
	}
	words := stats.Words
	if words == 0 {
		words = stats.Chars / 5
	}

	var extra string
	if stats.Files > 0 {
		extra = fmt.Sprintf(directoryHelpText, stats.Files)
	}
	return fmt.Sprintf(systemPromptTemplate, stats.Chars, words, contextType, extra)
}

// StatsFor computes context statistics for a loaded document.
func StatsFor(content string) ContextStats {
	return ContextStats{
		Chars: len(content),
		Words: len(strings.Fields(content)),
		Lines: strings.Count(content, "\n") + 1,
	}
}
