package preprocess

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/steersman-proxy/steersman/internal/anchor"
	"github.com/steersman-proxy/steersman/internal/session"
)

// warmupSentinel is the first-user-content value coding agents send to warm
// the upstream prompt cache before the real exchange begins.
const warmupSentinel = "quota"

// classify buckets a request by comparing its message list against what the
// session has already seen. Retries repeat the previous list length; agent
// loop continuations end in a tool_result turn; everything else opens a new
// exchange.
func classify(body []byte, state session.State) Class {
	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) == 0 {
		return ClassFirstTurn
	}

	if len(msgs) == 1 && firstTextContent(msgs[0]) == warmupSentinel {
		return ClassWarmup
	}

	if state.LastMessageCount > 0 && len(msgs) == state.LastMessageCount {
		return ClassRetry
	}

	last := msgs[len(msgs)-1]
	if last.Get("role").String() == "user" && hasToolResult(last) {
		return ClassContinuation
	}
	return ClassFirstTurn
}

func hasToolResult(msg gjson.Result) bool {
	content := msg.Get("content")
	if !content.IsArray() {
		return false
	}
	for _, block := range content.Array() {
		if block.Get("type").String() == "tool_result" {
			return true
		}
	}
	return false
}

// firstTextContent returns a message's content as plain text: the string form
// directly, or the first text block of the array form.
func firstTextContent(msg gjson.Result) string {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			return block.Get("text").String()
		}
	}
	return ""
}

// latestInstruction returns the text of the last user message that carries
// actual text (tool_result-only turns are skipped). This is the instruction
// drift is judged against; it outweighs the original goal because users
// legitimately redirect mid-session.
func latestInstruction(body []byte) (string, int) {
	msgs := gjson.GetBytes(body, "messages").Array()
	instruction := ""
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		if lastUser < 0 {
			lastUser = i
		}
		if text := firstTextContent(msgs[i]); text != "" {
			if instruction == "" {
				instruction = text
			}
			break
		}
	}
	return instruction, lastUser
}

// writtenAnchors names the definitions a written file contains, so the drift
// scorer sees what a write created instead of an opaque file path.
func writtenAnchors(path, content string) string {
	if content == "" {
		return ""
	}
	anchors := anchor.Extract(path, content)
	if len(anchors) == 0 {
		return ""
	}
	names := make([]string, 0, 3)
	for _, a := range anchors {
		if a.Name == "" {
			continue
		}
		names = append(names, a.Name)
		if len(names) == 3 {
			break
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "defines " + strings.Join(names, ", ")
}

// markRepeatedWrites flags new write steps whose content hash matches an
// earlier write to the same file. Rewriting a file with identical content is
// a concrete spinning signal for the drift scorer.
func markRepeatedWrites(prior, steps []session.StepRecord) {
	seen := make(map[string]string)
	for _, s := range prior {
		if s.CodeHash != "" && len(s.Files) > 0 {
			seen[s.Files[0]] = s.CodeHash
		}
	}
	for i := range steps {
		s := &steps[i]
		if s.CodeHash == "" || len(s.Files) == 0 {
			continue
		}
		if seen[s.Files[0]] == s.CodeHash {
			s.Command = strings.TrimSpace(s.Command + " (content unchanged)")
		}
		seen[s.Files[0]] = s.CodeHash
	}
}

// decisionSite names the function or class enclosing a decision's recorded
// file position, reading the file from the local checkout. Returns "" when
// the file is missing, oversized or the position falls outside any anchor.
func decisionSite(d session.Decision) string {
	if d.FilePath == "" || d.Line <= 0 {
		return ""
	}
	data, err := os.ReadFile(d.FilePath)
	if err != nil || len(data) > anchor.MaxContentBytes {
		return ""
	}
	a := anchor.FindAnchorAtLine(anchor.Extract(d.FilePath, string(data)), d.Line)
	if a == nil {
		return ""
	}
	return a.Name
}

// actionForTool maps an agent tool name onto the step taxonomy.
func actionForTool(name string) session.ActionType {
	switch strings.ToLower(name) {
	case "edit", "multiedit", "notebookedit":
		return session.ActionEdit
	case "write":
		return session.ActionWrite
	case "bash":
		return session.ActionBash
	case "read", "notebookread":
		return session.ActionRead
	case "grep":
		return session.ActionGrep
	case "glob":
		return session.ActionGlob
	case "task":
		return session.ActionTask
	}
	return session.ActionOther
}

// extractSteps pulls step records out of assistant tool_use blocks appearing
// at or after message index from. The caller passes the previous turn's
// message count so steps already observed are not double-counted.
func extractSteps(body []byte, sessionID string, from int) []session.StepRecord {
	msgs := gjson.GetBytes(body, "messages").Array()
	if from < 0 {
		from = 0
	}

	var steps []session.StepRecord
	for i := from; i < len(msgs); i++ {
		msg := msgs[i]
		if msg.Get("role").String() != "assistant" {
			continue
		}
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, block := range content.Array() {
			if block.Get("type").String() != "tool_use" {
				continue
			}
			input := block.Get("input")
			step := session.StepRecord{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Action:    actionForTool(block.Get("name").String()),
				Command:   input.Get("command").String(),
				Timestamp: time.Now(),
			}
			for _, key := range []string{"file_path", "path", "notebook_path"} {
				if f := input.Get(key).String(); f != "" {
					step.Files = append(step.Files, f)
					break
				}
			}
			if step.Action == session.ActionWrite && len(step.Files) > 0 {
				written := input.Get("content").String()
				if step.Command == "" {
					step.Command = writtenAnchors(step.Files[0], written)
				}
				if written != "" {
					step.CodeHash = anchor.ComputeCodeHash(written, 1, strings.Count(written, "\n")+1)
				}
			}
			steps = append(steps, step)
		}
	}
	return steps
}
