// Package transcript reads the append-only JSONL files written by TERM
// agents and infers conversation state from them.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// Entry is one parsed transcript line. Unknown line shapes are tolerated;
// anything that is not a JSON object is skipped at read time.
type Entry struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"` // string, block array, or nested records
	} `json:"message"`
}

// Status is the inferred conversation state of a TERM session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusWaitingForInput Status = "waiting_for_input"
)

// Turn is one conversational exchange half, used for `devs logs`.
type Turn struct {
	Role string `json:"role"` // "human" or "assistant"
	Text string `json:"text"`
}

// askUserTools is the closed set of tool names that mean the agent is
// blocked on the operator. Matched case-insensitively.
var askUserTools = map[string]bool{
	"askuserquestion":    true,
	"ask_user_question":  true,
	"ask_user":           true,
	"request_user_input": true,
}

// Read parses the transcript at path. A missing file yields an empty
// sequence; malformed lines are skipped silently.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// contentBlock is the loose shape of one item in a content array. Blocks
// may nest further content.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// ExtractText flattens a content tree into its text pieces. Strings pass
// through, {type:"text"} blocks contribute their text, nested content is
// walked recursively, everything else is skipped.
func ExtractText(content json.RawMessage) []string {
	if len(content) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if str == "" {
			return nil
		}
		return []string{str}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var texts []string
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
				continue
			}
			texts = append(texts, ExtractText(block.Content)...)
		}
		return texts
	}

	var single contentBlock
	if err := json.Unmarshal(content, &single); err == nil {
		if single.Type == "text" && single.Text != "" {
			return []string{single.Text}
		}
		return ExtractText(single.Content)
	}

	return nil
}

// AssistantText returns the text blocks of every assistant entry in order.
func AssistantText(entries []Entry) []string {
	var texts []string
	for _, e := range entries {
		if e.Type == "assistant" {
			texts = append(texts, ExtractText(e.Message.Content)...)
		}
	}
	return texts
}

// CountAssistant returns the number of assistant entries.
func CountAssistant(entries []Entry) int { return countType(entries, "assistant") }

// CountSystem returns the number of system entries. A growing system count
// is the turn-completion signal used by the TERM driver.
func CountSystem(entries []Entry) int { return countType(entries, "system") }

// CountFileHistorySnapshot returns the number of file-history-snapshot entries.
func CountFileHistorySnapshot(entries []Entry) int {
	return countType(entries, "file-history-snapshot")
}

func countType(entries []Entry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func isUser(e Entry) bool {
	return e.Type == "human" || e.Type == "user"
}

// HasAssistantAfterLatestUser reports whether any assistant entry follows
// the last human/user entry. With no user entry at all, any assistant entry
// counts.
func HasAssistantAfterLatestUser(entries []Entry) bool {
	lastUser := -1
	lastAssistant := -1
	for i, e := range entries {
		if isUser(e) {
			lastUser = i
		}
		if e.Type == "assistant" {
			lastAssistant = i
		}
	}
	return lastAssistant > lastUser
}

// containsAskUserTool walks a content tree looking for a tool-use block
// whose name is in the recognized ask-user set.
func containsAskUserTool(content json.RawMessage) bool {
	if len(content) == 0 {
		return false
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		var single contentBlock
		if err := json.Unmarshal(content, &single); err != nil {
			return false
		}
		blocks = []contentBlock{single}
	}
	for _, block := range blocks {
		if block.Type == "tool_use" && askUserTools[strings.ToLower(block.Name)] {
			return true
		}
		if containsAskUserTool(block.Content) {
			return true
		}
	}
	return false
}

// InferStatus derives the conversation state:
//
//   - waiting_for_input: the last ask-user tool call appears after the last
//     human entry
//   - working: the last entry is a user message, or the latest user message
//     has no assistant reply yet
//   - idle: otherwise
func InferStatus(entries []Entry) Status {
	lastUser := -1
	lastAskUser := -1
	for i, e := range entries {
		if isUser(e) {
			lastUser = i
		}
		if e.Type == "assistant" && containsAskUserTool(e.Message.Content) {
			lastAskUser = i
		}
	}

	if lastAskUser > lastUser {
		return StatusWaitingForInput
	}
	if len(entries) > 0 && isUser(entries[len(entries)-1]) {
		return StatusWorking
	}
	if lastUser >= 0 && !HasAssistantAfterLatestUser(entries) {
		return StatusWorking
	}
	return StatusIdle
}

// ExtractTurns returns the ordered human/assistant exchanges with empty
// texts dropped.
func ExtractTurns(entries []Entry) []Turn {
	var turns []Turn
	for _, e := range entries {
		var role string
		switch {
		case isUser(e):
			role = "human"
		case e.Type == "assistant":
			role = "assistant"
		default:
			continue
		}
		text := strings.TrimSpace(strings.Join(ExtractText(e.Message.Content), "\n"))
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	return turns
}
