package buffer

import (
	"testing"
	"time"
)

func sampleMessage(id string, ts int64, text string) Message {
	return Message{SenderHash: "u1", TS: ts, MessageID: id, ContentText: text}
}

func TestAppendAndParseRoundTrip(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	buf = Append(buf, sampleMessage("m1", 1000, "How do I reset X?"), now, 0, 0)
	buf = Append(buf, sampleMessage("m2", 2000, "Set flag Y to true."), now, 0, 0)
	buf = Append(buf, sampleMessage("m3", 3000, "Worked, thanks."), now, 0, 0)

	blocks := ParseToBlocks(buf)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].MessageID != "m1" || blocks[2].MessageID != "m3" {
		t.Fatalf("unexpected block order: %+v", blocks)
	}
}

func TestParseFormatParseFixedPoint(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	for i, text := range []string{"first message", "second message", "third"} {
		buf = Append(buf, sampleMessage(string(rune('a'+i)), int64(1000*(i+1)), text), now, 0, 0)
	}
	blocks1 := ParseToBlocks(buf)
	numbered := FormatNumbered(blocks1)
	_ = numbered
	reconstructed := Reconstruct(blocks1)
	blocks2 := ParseToBlocks(reconstructed)
	if len(blocks1) != len(blocks2) {
		t.Fatalf("block count changed: %d vs %d", len(blocks1), len(blocks2))
	}
	for i := range blocks1 {
		if blocks1[i].Body != blocks2[i].Body {
			t.Fatalf("block %d body changed: %q vs %q", i, blocks1[i].Body, blocks2[i].Body)
		}
	}
}

func TestTrimByCount(t *testing.T) {
	var buf string
	now := time.UnixMilli(100_000)
	for i := 0; i < 5; i++ {
		buf = Append(buf, sampleMessage(string(rune('a'+i)), int64(1000*(i+1)), "msg"), now, 0, 3)
	}
	blocks := ParseToBlocks(buf)
	if len(blocks) != 3 {
		t.Fatalf("expected trim to 3 messages, got %d", len(blocks))
	}
	if blocks[0].MessageID != "c" {
		t.Fatalf("expected oldest-first eviction to keep c,d,e; got first=%s", blocks[0].MessageID)
	}
}

func TestTrimByAge(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000_000)
	buf = Append(buf, sampleMessage("old", 1, "ancient"), now, time.Hour, 0)
	buf = Append(buf, sampleMessage("new", now.UnixMilli()-1000, "fresh"), now, time.Hour, 0)
	blocks := ParseToBlocks(buf)
	if len(blocks) != 1 || blocks[0].MessageID != "new" {
		t.Fatalf("expected only the fresh message to survive age trim, got %+v", blocks)
	}
}

func TestBothCapsSimultaneously(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000_000)
	buf = Append(buf, sampleMessage("old", 1, "ancient"), now, time.Hour, 2)
	buf = Append(buf, sampleMessage("a", now.UnixMilli()-5000, "a"), now, time.Hour, 2)
	buf = Append(buf, sampleMessage("b", now.UnixMilli()-4000, "b"), now, time.Hour, 2)
	buf = Append(buf, sampleMessage("c", now.UnixMilli()-3000, "c"), now, time.Hour, 2)
	blocks := ParseToBlocks(buf)
	if len(blocks) != 2 {
		t.Fatalf("expected both caps enforced to leave 2 blocks, got %d", len(blocks))
	}
	if blocks[0].MessageID != "b" || blocks[1].MessageID != "c" {
		t.Fatalf("unexpected survivors: %+v", blocks)
	}
}

func TestFilterNonBot(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	m1 := sampleMessage("m1", 1000, "human message")
	m2 := sampleMessage("m2", 2000, "bot reply")
	m2.IsBot = true
	buf = Append(buf, m1, now, 0, 0)
	buf = Append(buf, m2, now, 0, 0)

	blocks := ParseToBlocks(buf)
	filtered := FilterNonBot(blocks)
	if len(filtered) != 1 || filtered[0].MessageID != "m1" {
		t.Fatalf("expected bot block filtered out, got %+v", filtered)
	}
	if filtered[0].Index != 0 {
		t.Fatalf("filtered index should be dense from 0, got %d", filtered[0].Index)
	}
}

func TestRemoveSpansExactCoverage(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		buf = Append(buf, sampleMessage(id, int64(1000*(i+1)), "text "+id), now, 0, 0)
	}
	original := ParseToBlocks(buf)
	filtered := FilterNonBot(original)

	accepted := []Span{{StartIdx: 0, EndIdx: 1}}
	remaining := RemoveSpans(original, filtered, accepted)
	blocks := ParseToBlocks(remaining)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks remaining, got %d", len(blocks))
	}
	if blocks[0].MessageID != "m3" || blocks[1].MessageID != "m4" {
		t.Fatalf("unexpected remaining blocks: %+v", blocks)
	}
}

func TestEvidenceIDsOrder(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	for i, id := range []string{"m1", "m2", "m3"} {
		buf = Append(buf, sampleMessage(id, int64(1000*(i+1)), "x"), now, 0, 0)
	}
	blocks := ParseToBlocks(buf)
	ids := EvidenceIDs(blocks, Span{StartIdx: 0, EndIdx: 2})
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("evidence order mismatch at %d: got %s want %s", i, ids[i], id)
		}
	}
}

func TestBlocksInRangeKeepsInterleavedBotBlocks(t *testing.T) {
	var buf string
	now := time.UnixMilli(10_000)
	buf = Append(buf, sampleMessage("m1", 1000, "question"), now, 0, 0)
	bot := sampleMessage("m2", 2000, "bot interjection")
	bot.IsBot = true
	buf = Append(buf, bot, now, 0, 0)
	buf = Append(buf, sampleMessage("m3", 3000, "answer"), now, 0, 0)

	original := ParseToBlocks(buf)
	filtered := FilterNonBot(original)

	// The filtered span covers m1..m3; the bot block between them must
	// survive into the case block text.
	blocks := BlocksInRange(original, filtered, Span{StartIdx: 0, EndIdx: 1})
	if len(blocks) != 3 {
		t.Fatalf("expected 3 contiguous original blocks, got %d", len(blocks))
	}
	if !blocks[1].IsBot || blocks[1].MessageID != "m2" {
		t.Fatalf("expected the interleaved bot block kept in the middle, got %+v", blocks[1])
	}
}
