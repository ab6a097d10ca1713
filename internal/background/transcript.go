// ABOUTME: Parser for coding-agent JSONL transcripts
// ABOUTME: Extracts user prompts and assistant text with their timestamps

package background

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/2389/headspace/internal/store"
)

// maxTranscriptLine bounds a single JSONL record; tool output can be large.
const maxTranscriptLine = 16 * 1024 * 1024

// TranscriptEntry is one user or agent text message from a transcript.
type TranscriptEntry struct {
	Actor     string
	Text      string
	Timestamp time.Time
}

type transcriptLine struct {
	Type        string    `json:"type"`
	IsMeta      bool      `json:"isMeta"`
	IsSidechain bool      `json:"isSidechain"`
	Timestamp   time.Time `json:"timestamp"`
	Message     struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReadTranscript parses the transcript at path.
func ReadTranscript(path string) ([]TranscriptEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTranscript(f)
}

// ParseTranscript reads JSONL records and returns the user and assistant
// text entries in file order. Malformed lines, meta records, sidechains,
// tool results and wrapped command output are skipped.
func ParseTranscript(r io.Reader) ([]TranscriptEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	var entries []TranscriptEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec transcriptLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.IsMeta || rec.IsSidechain || rec.Timestamp.IsZero() {
			continue
		}

		var actor string
		switch rec.Type {
		case "user":
			actor = store.ActorUser
		case "assistant":
			actor = store.ActorAgent
		default:
			continue
		}

		for _, text := range contentTexts(rec.Message.Content) {
			text = strings.TrimSpace(text)
			if text == "" || strings.HasPrefix(text, "<") {
				continue
			}
			entries = append(entries, TranscriptEntry{Actor: actor, Text: text, Timestamp: rec.Timestamp.UTC()})
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading transcript: %w", err)
	}
	return entries, nil
}

// contentTexts accepts either a plain string or a list of content blocks.
func contentTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return texts
}
