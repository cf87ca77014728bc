// Package anchor locates function/class/method boundaries in source files
// and computes stable content hashes over line ranges. Anchors give the
// drift/memory layer a place to attach reasoning to ("where does this
// decision apply") and the hashes detect content drift between sessions.
//
// The extractor is a single forward pass: a per-language regex set matches
// declaration headers, a brace-depth counter (C-like languages) or
// indentation level (Python) closes the innermost open anchor. Input size
// and anchor count are bounded so pathological files cannot blow up a
// preprocessing pass.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind classifies an extracted anchor.
type Kind string

const (
	KindFunction Kind = "function"
	KindClass    Kind = "class"
	KindMethod   Kind = "method"
	KindVariable Kind = "variable"
	KindUnknown  Kind = "unknown"
)

// Info describes one named source region. LineEnd is 0 while the region is
// still open (ran off the end of the file).
type Info struct {
	Type      Kind   `json:"type"`
	Name      string `json:"name"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd,omitempty"`
}

const (
	// MaxContentBytes rejects oversized files outright.
	MaxContentBytes = 1 << 20
	// MaxAnchors bounds the result set per file.
	MaxAnchors = 500
)

type headerPattern struct {
	re   *regexp.Regexp
	kind Kind
	// nameGroup is the submatch index holding the declaration name.
	nameGroup int
}

type language struct {
	patterns []headerPattern
	// indentBased switches from brace counting to indentation tracking.
	indentBased bool
}

var languages = map[string]language{
	"go": {patterns: []headerPattern{
		{regexp.MustCompile(`^\s*func\s+\([^)]*\)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`), KindMethod, 1},
		{regexp.MustCompile(`^\s*func\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`), KindFunction, 1},
		{regexp.MustCompile(`^\s*type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(?:struct|interface)\s*\{`), KindClass, 1},
	}},
	"javascript": {patterns: []headerPattern{
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`), KindFunction, 1},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`), KindClass, 1},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=\s*(?:async\s*)?(?:\([^)]*\)|[A-Za-z_$][A-Za-z0-9_$]*)\s*=>`), KindFunction, 1},
		{regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+|async\s+)*([A-Za-z_$][A-Za-z0-9_$]*)\s*\([^)]*\)\s*\{`), KindMethod, 1},
	}},
	"python": {indentBased: true, patterns: []headerPattern{
		{regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`), KindFunction, 1},
		{regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)\s*[(:]`), KindClass, 1},
	}},
	"rust": {patterns: []headerPattern{
		{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`), KindFunction, 1},
		{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`), KindClass, 1},
		{regexp.MustCompile(`^\s*impl(?:<[^>]*>)?\s+([A-Za-z_][A-Za-z0-9_]*)`), KindClass, 1},
	}},
	"java": {patterns: []headerPattern{
		{regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+|final\s+|abstract\s+)*(?:class|interface|enum)\s+([A-Za-z_$][A-Za-z0-9_$]*)`), KindClass, 1},
		{regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+|final\s+|synchronized\s+)*[\w<>\[\],\s]+\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\([^)]*\)\s*(?:throws\s+[\w,\s]+)?\{`), KindMethod, 1},
	}},
}

var extToLang = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "javascript",
	".tsx":  "javascript",
	".mjs":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
}

// DetectLanguage maps a file path to a supported language key, or "".
func DetectLanguage(path string) string {
	return extToLang[strings.ToLower(filepath.Ext(path))]
}

type openAnchor struct {
	info    Info
	depth   int  // brace depth (or indent) recorded at open
	entered bool // whether the body has been entered yet
}

// Extract returns the anchors found in content, in order of appearance.
// Unsupported languages and oversized inputs yield nil.
func Extract(path string, content string) []Info {
	lang, ok := languages[DetectLanguage(path)]
	if !ok || len(content) > MaxContentBytes {
		return nil
	}
	if lang.indentBased {
		return extractIndent(lang, content)
	}
	return extractBraces(lang, content)
}

func matchHeader(lang language, line string) (Kind, string, bool) {
	for _, p := range lang.patterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			return p.kind, m[p.nameGroup], true
		}
	}
	return KindUnknown, "", false
}

func extractBraces(lang language, content string) []Info {
	var anchors []Info
	var stack []openAnchor
	depth := 0

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1

		if kind, name, ok := matchHeader(lang, line); ok && len(anchors)+len(stack) < MaxAnchors {
			stack = append(stack, openAnchor{
				info:  Info{Type: kind, Name: name, LineStart: lineNo},
				depth: depth,
			})
		}

		opens, closes := countBraces(line)
		depth += opens - closes

		// Mark entered anchors, then close every anchor whose recorded
		// depth has been reached again. An anchor whose body opens and
		// closes on its own header line counts as entered too.
		for j := range stack {
			if depth > stack[j].depth || (stack[j].info.LineStart == lineNo && opens > 0) {
				stack[j].entered = true
			}
		}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if !top.entered || depth > top.depth {
				break
			}
			top.info.LineEnd = lineNo
			anchors = append(anchors, top.info)
			stack = stack[:len(stack)-1]
		}
	}

	// Regions still open at EOF keep LineEnd 0.
	for i := len(stack) - 1; i >= 0; i-- {
		anchors = append(anchors, stack[i].info)
	}
	sortByStart(anchors)
	return anchors
}

func extractIndent(lang language, content string) []Info {
	var anchors []Info
	var stack []openAnchor
	lastCodeLine := 0

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := indentWidth(line)

		// A statement at or below an open anchor's indent closes it.
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if indent > top.depth {
				break
			}
			top.info.LineEnd = lastCodeLine
			anchors = append(anchors, top.info)
			stack = stack[:len(stack)-1]
		}

		if kind, name, ok := matchHeader(lang, line); ok && len(anchors)+len(stack) < MaxAnchors {
			stack = append(stack, openAnchor{
				info:  Info{Type: kind, Name: name, LineStart: lineNo},
				depth: indent,
			})
		}
		lastCodeLine = lineNo
	}

	for i := len(stack) - 1; i >= 0; i-- {
		stack[i].info.LineEnd = lastCodeLine
		anchors = append(anchors, stack[i].info)
	}
	sortByStart(anchors)
	return anchors
}

// countBraces counts braces outside of string and char literals. Line
// comments terminate the scan. This is deliberately line-local and
// approximate; multi-line strings are rare in declaration-heavy code and a
// miscount only widens an anchor.
func countBraces(line string) (opens, closes int) {
	inString := false
	var quote byte
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = true
			quote = c
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return opens, closes
			}
		case '{':
			opens++
		case '}':
			closes++
		}
	}
	return opens, closes
}

func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

func sortByStart(anchors []Info) {
	// Insertion sort: result sets are small and mostly ordered already.
	for i := 1; i < len(anchors); i++ {
		for j := i; j > 0 && anchors[j].LineStart < anchors[j-1].LineStart; j-- {
			anchors[j], anchors[j-1] = anchors[j-1], anchors[j]
		}
	}
}

// FindAnchorAtLine returns the most deeply nested anchor whose range
// contains line, or nil.
func FindAnchorAtLine(anchors []Info, line int) *Info {
	var best *Info
	bestSpan := -1
	for i := range anchors {
		a := &anchors[i]
		end := a.LineEnd
		if end == 0 {
			end = int(^uint(0) >> 1)
		}
		if line < a.LineStart || line > end {
			continue
		}
		span := end - a.LineStart
		if best == nil || span < bestSpan {
			best = a
			bestSpan = span
		}
	}
	return best
}

// ComputeCodeHash hashes the whitespace-normalized content of the inclusive
// 1-based line range [startLine, endLine]. The normalization makes the hash
// stable across reformatting, so it only changes when the code itself does.
func ComputeCodeHash(content string, startLine, endLine int) string {
	lines := strings.Split(content, "\n")
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > endLine {
		return ""
	}

	var b strings.Builder
	for i := startLine - 1; i < endLine; i++ {
		b.WriteString(strings.Join(strings.Fields(lines[i]), " "))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
