// Package repl implements the persistent execution environment: one Go
// interpreter namespace per session, kept alive across executions so the
// model can build up state over multiple turns. The interpreter is yaegi;
// executed code is ordinary Go with a few injected helper bindings.
package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/jkaninda/deepread/internal/index"
	"github.com/jkaninda/deepread/internal/sandbox"
)

// MaxOutputSize caps captured stdout/stderr per execution. Output beyond the
// ceiling is discarded, never buffered.
const MaxOutputSize = 50000

// reservedPrefix marks internal bindings excluded from variable listings.
const reservedPrefix = "_"

const helpersImportPath = "deepread/helpers"

// Config configures a Session.
type Config struct {
	// Context is the loaded document, injected as the Context binding.
	Context string

	// Index enables directory mode: ListFiles/ReadFile/SearchFiles helpers
	// are injected and Reindex becomes meaningful. Nil in single-file mode.
	Index *index.Index

	// SubQuery is the recursion gate behind the LlmQuery helper. Nil binds
	// a helper that reports sub-queries as unavailable.
	SubQuery func(prompt string) string

	Logger *slog.Logger
}

// Session is one persistent interpreter namespace.
// All methods serialize on an internal mutex: one execution at a time.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	interp *interp.Interpreter
	stdout *switchWriter
	stderr *switchWriter

	helperNames map[string]bool
}

// NewSession creates a Session with a fresh namespace and injected helpers.
func NewSession(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{cfg: cfg, logger: logger}
	if err := s.buildInterpreter(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildInterpreter creates the interpreter and injects helper bindings.
// Called at construction and again on Reset.
func (s *Session) buildInterpreter() error {
	s.stdout = &switchWriter{}
	s.stderr = &switchWriter{}

	i := interp.New(interp.Options{
		Stdout: s.stdout,
		Stderr: s.stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("loading stdlib symbols: %w", err)
	}

	subQuery := s.cfg.SubQuery
	if subQuery == nil {
		subQuery = func(string) string {
			return "Error: sub-queries are not available in this session"
		}
	}

	exports := map[string]reflect.Value{
		"Context":  reflect.ValueOf(s.cfg.Context),
		"LlmQuery": reflect.ValueOf(subQuery),
	}
	if s.cfg.Index != nil {
		idx := s.cfg.Index
		exports["ListFiles"] = reflect.ValueOf(func(pattern string) []string {
			return idx.List(pattern)
		})
		exports["ReadFile"] = reflect.ValueOf(func(path string) string {
			content, err := idx.Read(path)
			if err != nil {
				return "Error: " + err.Error()
			}
			return content
		})
		exports["SearchFiles"] = reflect.ValueOf(s.searchFiles)
	}

	s.helperNames = make(map[string]bool, len(exports))
	for name := range exports {
		s.helperNames[name] = true
	}

	if err := i.Use(interp.Exports{helpersImportPath + "/helpers": exports}); err != nil {
		return fmt.Errorf("injecting helpers: %w", err)
	}
	if _, err := i.Eval(fmt.Sprintf("import . %q", helpersImportPath)); err != nil {
		return fmt.Errorf("importing helpers: %w", err)
	}

	// Pre-import the packages snippets lean on, so generated code does not
	// need its own import block.
	preamble := `import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)`
	if _, err := i.Eval(preamble); err != nil {
		return fmt.Errorf("importing preamble: %w", err)
	}

	s.interp = i
	return nil
}

// searchFiles greps all indexed files for a regular expression pattern,
// returning "path:line: text" matches, bounded.
func (s *Session) searchFiles(pattern string) []string {
	const maxMatches = 100

	re, err := regexp.Compile(pattern)
	if err != nil {
		return []string{"Error: invalid pattern: " + err.Error()}
	}

	var matches []string
	for _, path := range s.cfg.Index.List("*") {
		content, err := s.cfg.Index.Read(path)
		if err != nil {
			continue
		}
		for n, line := range strings.Split(content, "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", path, n+1, strings.TrimSpace(line)))
				if len(matches) >= maxMatches {
					return matches
				}
			}
		}
	}
	return matches
}

// Exec runs a code snippet in the persistent namespace. Failures raised by
// the executed code are captured in the result, never returned as an error.
// A timeout of zero means no deadline.
func (s *Session) Exec(ctx context.Context, code string, timeout time.Duration) *sandbox.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outBuf := newCappedBuffer(MaxOutputSize)
	errBuf := newCappedBuffer(MaxOutputSize)
	s.stdout.set(outBuf)
	s.stderr.set(errBuf)
	defer s.stdout.set(nil)
	defer s.stderr.set(nil)

	start := time.Now()
	_, err := s.interp.EvalWithContext(ctx, code)
	duration := time.Since(start)

	s.logger.Debug("code executed",
		slog.Int("code_chars", len(code)),
		slog.Duration("duration", duration),
		slog.Bool("success", err == nil),
	)

	res := &sandbox.ExecutionResult{Output: outBuf.String()}
	switch {
	case ctx.Err() != nil:
		res.Error = fmt.Sprintf("execution timed out after %s", timeout)
	case err != nil:
		res.Error = evalError(err)
	default:
		res.Success = true
		res.Error = errBuf.String()
	}
	return res
}

// evalError renders an interpreter failure, including the interpreted stack
// for panics so the model can self-correct.
func evalError(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return fmt.Sprintf("panic: %v\n%s", p.Value, p.Stack)
	}
	return err.Error()
}

// GetVariable returns the value bound to name in the namespace. Values that
// serialize to JSON are returned as-is; anything else falls back to a Go
// literal representation.
func (s *Session) GetVariable(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.interp.Globals()[name]
	if !ok || !v.IsValid() {
		return nil, false
	}
	val := v.Interface()
	if _, err := json.Marshal(val); err != nil {
		return fmt.Sprintf("%#v", val), true
	}
	return val, true
}

// ListVariables returns user-defined bindings as name -> type. Injected
// helpers and names with the internal-reserved prefix are excluded.
func (s *Session) ListVariables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := make(map[string]string)
	for name, v := range s.interp.Globals() {
		if strings.HasPrefix(name, reservedPrefix) || s.helperNames[name] {
			continue
		}
		if !v.IsValid() {
			continue
		}
		vars[name] = v.Type().String()
	}
	return vars
}

// Reset discards the namespace and rebuilds it with the initial bindings.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildInterpreter()
}

// ContextInfo describes the loaded context for the ready handshake.
func (s *Session) ContextInfo() string {
	if s.cfg.Index != nil {
		return fmt.Sprintf("indexed %d files", s.cfg.Index.Count())
	}
	if s.cfg.Context == "" {
		return "no context loaded"
	}
	return fmt.Sprintf("loaded context with %d characters (%d words)",
		len(s.cfg.Context), len(strings.Fields(s.cfg.Context)))
}

// IndexCount returns the number of indexed files, 0 in single-file mode.
func (s *Session) IndexCount() int {
	if s.cfg.Index == nil {
		return 0
	}
	return s.cfg.Index.Count()
}

// Reindex rebuilds the file index. No-op in single-file mode.
func (s *Session) Reindex() int {
	if s.cfg.Index == nil {
		return 0
	}
	n, err := s.cfg.Index.Rebuild()
	if err != nil {
		s.logger.Warn("reindex failed", slog.String("error", err.Error()))
		return s.cfg.Index.Count()
	}
	return n
}

// switchWriter routes interpreter output to the current execution's capture
// buffer. Output outside an execution is discarded.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *switchWriter) set(w io.Writer) {
	sw.mu.Lock()
	sw.w = w
	sw.mu.Unlock()
}

func (sw *switchWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.w == nil {
		return len(p), nil
	}
	return sw.w.Write(p)
}

// cappedBuffer stores at most limit bytes and remembers how much was written.
// Excess is discarded at write time so a chatty execution cannot blow memory.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.total > b.limit {
		return b.buf.String() + fmt.Sprintf("\n... [Output truncated at %d chars]", b.limit)
	}
	return b.buf.String()
}
