// Package buffer implements the per-group rolling message buffer: append,
// age/size trimming, deterministic block parsing, and removal of accepted
// extraction spans. It is pure text accounting over a fixed, line-oriented
// record format with stable offsets.
package buffer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is the subset of store.RawMessage the buffer needs to format a
// block; kept separate from store.RawMessage so this package has no
// dependency on the store package.
type Message struct {
	SenderHash    string
	TS            int64
	MessageID     string
	ReplyToID     string
	ReactionCount int
	ContentText   string
	IsBot         bool
}

// Block is one parsed unit of the buffer: a header plus a body, with the
// original line range it occupied. Indexes are stable within a single
// parse.
type Block struct {
	Index      int
	SenderHash string
	TS         int64
	MessageID  string
	ReplyToID  string
	Reactions  int
	IsBot      bool
	Body       string
	RawText    string
	StartLine  int
	EndLine    int
}

// FormatBlock renders one message as the buffer block format:
//
//	<sender_hash>[BOT?] ts=<ms> msg_id=<id> [reply_to=<id>] reactions=<n>
//	<content_text>
//	<blank line>
func FormatBlock(m Message) string {
	var sb strings.Builder
	sb.WriteString(m.SenderHash)
	if m.IsBot {
		sb.WriteString("[BOT]")
	}
	fmt.Fprintf(&sb, " ts=%d msg_id=%s", m.TS, m.MessageID)
	if m.ReplyToID != "" {
		fmt.Fprintf(&sb, " reply_to=%s", m.ReplyToID)
	}
	fmt.Fprintf(&sb, " reactions=%d\n", m.ReactionCount)
	sb.WriteString(m.ContentText)
	sb.WriteString("\n\n")
	return sb.String()
}

// Append formats m and concatenates it onto buf, then applies age-based
// trimming followed by count-based trimming.
func Append(buf string, m Message, now time.Time, maxAge time.Duration, maxMessages int) string {
	buf += FormatBlock(m)
	blocks := ParseToBlocks(buf)
	blocks = trimByAge(blocks, now, maxAge)
	blocks = trimByCount(blocks, maxMessages)
	return Reconstruct(blocks)
}

func trimByAge(blocks []Block, now time.Time, maxAge time.Duration) []Block {
	if maxAge <= 0 {
		return blocks
	}
	cutoff := now.Add(-maxAge).UnixMilli()
	out := blocks[:0:0]
	for _, b := range blocks {
		if b.TS >= cutoff {
			out = append(out, b)
		}
	}
	return out
}

func trimByCount(blocks []Block, maxMessages int) []Block {
	if maxMessages <= 0 || len(blocks) <= maxMessages {
		return blocks
	}
	return blocks[len(blocks)-maxMessages:]
}

// ParseToBlocks deterministically parses buffer_text into Blocks. Each
// block is a header line followed by a body up to the next blank line.
// Malformed header lines (rare, e.g. truncated buffers) are skipped rather
// than aborting the whole parse.
func ParseToBlocks(text string) []Block {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	var out []Block
	i := 0
	idx := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		header := lines[i]
		startLine := i
		b, ok := parseHeader(header)
		if !ok {
			i++
			continue
		}
		i++
		var bodyLines []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			bodyLines = append(bodyLines, lines[i])
			i++
		}
		endLine := i - 1
		if i < len(lines) {
			i++ // consume the blank separator line
		}
		b.Index = idx
		b.Body = strings.Join(bodyLines, "\n")
		b.StartLine = startLine
		b.EndLine = endLine
		b.RawText = strings.Join(lines[startLine:min(endLine+1, len(lines))], "\n")
		out = append(out, b)
		idx++
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// parseHeader parses one header line of the form:
//
//	<sender_hash>[BOT?] ts=<ms> msg_id=<id> [reply_to=<id>] reactions=<n>
func parseHeader(line string) (Block, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Block{}, false
	}
	sender := fields[0]
	isBot := strings.HasSuffix(sender, "[BOT]")
	if isBot {
		sender = strings.TrimSuffix(sender, "[BOT]")
	}
	b := Block{SenderHash: sender, IsBot: isBot}
	found := 0
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "ts="):
			ts, err := strconv.ParseInt(strings.TrimPrefix(f, "ts="), 10, 64)
			if err != nil {
				return Block{}, false
			}
			b.TS = ts
			found++
		case strings.HasPrefix(f, "msg_id="):
			b.MessageID = strings.TrimPrefix(f, "msg_id=")
			found++
		case strings.HasPrefix(f, "reply_to="):
			b.ReplyToID = strings.TrimPrefix(f, "reply_to=")
		case strings.HasPrefix(f, "reactions="):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "reactions="))
			if err == nil {
				b.Reactions = n
			}
			found++
		}
	}
	if found < 3 {
		return Block{}, false
	}
	return b, true
}

// Reconstruct renders blocks back into buffer text using the same format
// FormatBlock produces, so parse/reconstruct round-trips on block count and
// per-block text.
func Reconstruct(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		m := Message{
			SenderHash:    b.SenderHash,
			TS:            b.TS,
			MessageID:     b.MessageID,
			ReplyToID:     b.ReplyToID,
			ReactionCount: b.Reactions,
			ContentText:   b.Body,
			IsBot:         b.IsBot,
		}
		sb.WriteString(FormatBlock(m))
	}
	return sb.String()
}

// FilterNonBot returns the subsequence of blocks that are not [BOT]
// messages, re-indexed densely starting at 0 — the input Phase 1 extraction
// sees.
func FilterNonBot(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.IsBot {
			continue
		}
		cp := b
		cp.Index = len(out)
		out = append(out, cp)
	}
	return out
}

// FormatNumbered renders the exact text passed to extract_case_spans, with
// "### MSG idx=<i> lines=<a>-<b>" delimiters ahead of each block.
func FormatNumbered(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		fmt.Fprintf(&sb, "### MSG idx=%d lines=%d-%d\n", b.Index, b.StartLine, b.EndLine)
		sb.WriteString(b.RawText)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Span is a contiguous, inclusive index range over filtered blocks.
type Span struct {
	StartIdx int
	EndIdx   int
}

// RemoveSpans removes the blocks covered by accepted, validated spans from
// the original (unfiltered) blocks and returns the reconstructed buffer
// text. accepted indexes refer to the filtered (non-bot) index space;
// filtered carries the mapping back to the original blocks via MessageID.
// RemoveSpans never partially applies an invalid span set — validation is
// the caller's responsibility (llmgateway.ValidateSpans); this function
// trusts its accepted argument.
func RemoveSpans(original []Block, filtered []Block, accepted []Span) string {
	removeIDs := make(map[string]bool)
	for _, sp := range accepted {
		for i := sp.StartIdx; i <= sp.EndIdx && i < len(filtered); i++ {
			removeIDs[filtered[i].MessageID] = true
		}
	}
	kept := make([]Block, 0, len(original))
	for _, b := range original {
		if removeIDs[b.MessageID] {
			continue
		}
		kept = append(kept, b)
	}
	for i := range kept {
		kept[i].Index = i
	}
	return Reconstruct(kept)
}

// BlocksInRange maps a filtered-index span back onto original and returns
// the contiguous run of original blocks between the span's first and last
// message, so [BOT] blocks interleaved inside the span survive into the
// case block text handed to structuring.
func BlocksInRange(original []Block, filtered []Block, sp Span) []Block {
	if sp.StartIdx < 0 || sp.StartIdx > sp.EndIdx || sp.EndIdx >= len(filtered) {
		return nil
	}
	startID := filtered[sp.StartIdx].MessageID
	endID := filtered[sp.EndIdx].MessageID
	start, end := -1, -1
	for i, b := range original {
		if start < 0 && b.MessageID == startID {
			start = i
		}
		if b.MessageID == endID {
			end = i
		}
	}
	if start < 0 || end < start {
		return nil
	}
	return original[start : end+1]
}

// EvidenceIDs extracts the message ids covered by a span, earliest first.
func EvidenceIDs(filtered []Block, sp Span) []string {
	var out []string
	for i := sp.StartIdx; i <= sp.EndIdx && i < len(filtered); i++ {
		out = append(out, filtered[i].MessageID)
	}
	return out
}

// CaseBlockText renders blocks into the text passed to structure_case.
func CaseBlockText(blocks []Block) string {
	return Reconstruct(blocks)
}
