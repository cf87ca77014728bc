// Package rawbody edits serialized JSON request bodies in place.
//
// The upstream messages API prices repeated requests by their shared byte
// prefix: re-serializing the document (key order, whitespace, number
// formatting) would invalidate the upstream's prompt cache and make every
// turn pay full-context cost. All mutations here splice bytes into the
// original document so that everything before the insertion point is
// byte-for-byte identical to the input.
//
// gjson is used read-only to locate values; it never rewrites the document.
// Every operation degrades to (input, false) on malformed or unexpected
// structure. Nothing here panics or returns an error.
package rawbody

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// EscapeString returns s encoded as JSON string contents, without the
// surrounding quotes.
func EscapeString(s string) string {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return ""
	}
	return string(b[1 : len(b)-1])
}

// AppendToLastUserMessage appends text to the content of the last
// "role":"user" message. String content gets the text appended inside the
// trailing quote; array content gets a new text block inserted before the
// closing bracket. Returns (input, false) when no user message exists or the
// structure is malformed.
func AppendToLastUserMessage(body []byte, text string) ([]byte, bool) {
	if len(body) == 0 || text == "" {
		return body, false
	}

	msgs := gjson.GetBytes(body, "messages")
	if !msgs.Exists() || !msgs.IsArray() {
		return body, false
	}

	arr := msgs.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].Get("role").String() != "user" {
			continue
		}
		return appendToMessageContent(body, i, text)
	}
	return body, false
}

// AppendToMessageAt appends text to the content of the message at index,
// regardless of role. Used to replay previously recorded injections onto the
// exact messages they originally targeted.
func AppendToMessageAt(body []byte, index int, text string) ([]byte, bool) {
	if len(body) == 0 || text == "" || index < 0 {
		return body, false
	}
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.Exists() || !msgs.IsArray() || index >= len(msgs.Array()) {
		return body, false
	}
	return appendToMessageContent(body, index, text)
}

func appendToMessageContent(body []byte, index int, text string) ([]byte, bool) {
	content := gjson.GetBytes(body, "messages."+strconv.Itoa(index)+".content")
	if !content.Exists() || !rawMatches(body, content) {
		return body, false
	}

	switch {
	case content.Type == gjson.String:
		// Insert before the closing quote of the raw string value.
		insertPos := content.Index + len(content.Raw) - 1
		return spliceAt(body, insertPos, []byte(EscapeString(text))), true
	case content.IsArray():
		block := `{"type":"text","text":"` + EscapeString(text) + `"}`
		return insertArrayElement(body, content, []byte(block))
	default:
		return body, false
	}
}

// AppendSystemBlock appends text to the request's system prompt. A string
// system prompt gets the text appended; an array system prompt gets a new
// text block; a missing system key is created at the end of the document so
// the existing prefix stays untouched.
func AppendSystemBlock(body []byte, text string) ([]byte, bool) {
	if len(body) == 0 || text == "" {
		return body, false
	}

	sys := gjson.GetBytes(body, "system")
	if !sys.Exists() {
		raw := `"system":"` + EscapeString(text) + `"`
		return insertTopLevelMember(body, []byte(raw))
	}
	if !rawMatches(body, sys) {
		return body, false
	}

	switch {
	case sys.Type == gjson.String:
		insertPos := sys.Index + len(sys.Raw) - 1
		payload := EscapeString("\n\n" + text)
		return spliceAt(body, insertPos, []byte(payload)), true
	case sys.IsArray():
		block := `{"type":"text","text":"` + EscapeString(text) + `"}`
		return insertArrayElement(body, sys, []byte(block))
	default:
		return body, false
	}
}

// InsertToolDefinition splices a tool definition (a complete JSON object)
// into the request's tools array, creating the array when absent. A tool
// whose name is already present is skipped so repeated preprocessing passes
// stay idempotent.
func InsertToolDefinition(body []byte, toolJSON []byte) ([]byte, bool) {
	if len(body) == 0 || !gjson.ValidBytes(toolJSON) {
		return body, false
	}
	name := gjson.GetBytes(toolJSON, "name").String()

	tools := gjson.GetBytes(body, "tools")
	if !tools.Exists() {
		raw := append([]byte(`"tools":[`), toolJSON...)
		raw = append(raw, ']')
		return insertTopLevelMember(body, raw)
	}
	if !tools.IsArray() || !rawMatches(body, tools) {
		return body, false
	}

	if name != "" {
		for _, tool := range tools.Array() {
			if tool.Get("name").String() == name {
				return body, true
			}
		}
	}
	return insertArrayElement(body, tools, toolJSON)
}

// rawMatches verifies that a gjson result's Index actually points at its raw
// bytes inside body. Index is 0 when gjson had to compute the value, in
// which case splicing would corrupt the document.
func rawMatches(body []byte, res gjson.Result) bool {
	if res.Index <= 0 || res.Index+len(res.Raw) > len(body) {
		return false
	}
	return bytes.Equal(body[res.Index:res.Index+len(res.Raw)], []byte(res.Raw))
}

// spliceAt returns a new slice with payload inserted at pos. The bytes before
// pos are copied verbatim, preserving the cacheable prefix.
func spliceAt(body []byte, pos int, payload []byte) []byte {
	out := make([]byte, 0, len(body)+len(payload))
	out = append(out, body[:pos]...)
	out = append(out, payload...)
	out = append(out, body[pos:]...)
	return out
}

// insertArrayElement splices element before the closing bracket of the array
// value res, adding a leading comma unless the array is empty.
func insertArrayElement(body []byte, res gjson.Result, element []byte) ([]byte, bool) {
	closePos := res.Index + len(res.Raw) - 1
	if closePos <= res.Index || body[closePos] != ']' {
		return body, false
	}
	payload := element
	if !arrayIsEmpty([]byte(res.Raw)) {
		payload = append([]byte{','}, element...)
	}
	return spliceAt(body, closePos, payload), true
}

// arrayIsEmpty reports whether raw is "[]" modulo whitespace.
func arrayIsEmpty(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	inner := bytes.TrimSpace(raw[1 : len(raw)-1])
	return len(inner) == 0
}

// insertTopLevelMember splices `,<member>` before the document's closing
// brace. Appending at the tail keeps the entire existing document as the
// unchanged prefix.
func insertTopLevelMember(body []byte, member []byte) ([]byte, bool) {
	closePos := lastNonSpace(body)
	if closePos < 0 || body[closePos] != '}' {
		return body, false
	}
	open := bytes.IndexByte(body, '{')
	if open < 0 || closingBracket(body, open) != closePos {
		return body, false
	}

	payload := member
	if !objectIsEmpty(body, open, closePos) {
		payload = append([]byte{','}, member...)
	}
	return spliceAt(body, closePos, payload), true
}

func objectIsEmpty(body []byte, open, close int) bool {
	inner := bytes.TrimSpace(body[open+1 : close])
	return len(inner) == 0
}

func lastNonSpace(body []byte) int {
	for i := len(body) - 1; i >= 0; i-- {
		switch body[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return i
		}
	}
	return -1
}

// closingBracket returns the index of the bracket matching the opener at
// pos, skipping bracket characters inside string literals and honoring
// escape sequences. Returns -1 when the document is unbalanced.
func closingBracket(doc []byte, pos int) int {
	if pos < 0 || pos >= len(doc) {
		return -1
	}
	open := doc[pos]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := pos; i < len(doc); i++ {
		c := doc[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
