package transport

import (
	"context"
	"testing"
)

func TestFakeAdapterSatisfiesAnswerTransport(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ok, err := f.SendGroupText(ctx, "g1", "hello", "m1", []string{"admin1"})
	if err != nil || !ok {
		t.Fatalf("send failed: ok=%v err=%v", ok, err)
	}
	if len(f.GroupSends) != 1 || f.GroupSends[0].Text != "hello" {
		t.Fatalf("unexpected recorded send: %+v", f.GroupSends)
	}
	if f.MentionToken("admin1") != "@admin1" {
		t.Fatalf("unexpected mention token: %s", f.MentionToken("admin1"))
	}
}

func TestFakeResolveReachableGroup(t *testing.T) {
	f := NewFake()
	f.Groups = []Group{{GroupID: "g1", Name: "Support"}}
	id, ok, err := f.ResolveReachableGroup(context.Background(), "Support")
	if err != nil || !ok || id != "g1" {
		t.Fatalf("expected resolve to g1, got id=%s ok=%v err=%v", id, ok, err)
	}
	_, ok, err = f.ResolveReachableGroup(context.Background(), "Unknown")
	if err != nil || ok {
		t.Fatalf("expected unresolved group, got ok=%v err=%v", ok, err)
	}
}

func TestListenReplaysPushedEvents(t *testing.T) {
	f := NewFake()
	f.Push(InboundEvent{Kind: EventMessage, Message: &MessageEvent{GroupID: "g1", MessageID: "m1", Text: "hi"}})
	ch, err := f.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ev := <-ch
	if ev.Kind != EventMessage || ev.Message.MessageID != "m1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
