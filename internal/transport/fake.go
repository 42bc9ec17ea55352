package transport

import (
	"context"
	"sync"
)

// Fake is an in-process Adapter for tests: SendGroupText/SendDirectText
// record calls instead of reaching a real bridge, and Listen replays
// events pushed via Push.
type Fake struct {
	mu          sync.Mutex
	GroupSends  []GroupSend
	DirectSends []DirectSend
	Groups      []Group
	events      chan InboundEvent
}

type GroupSend struct {
	GroupID           string
	Text              string
	QuoteMessageID    string
	MentionRecipients []string
}

type DirectSend struct {
	AdminID        string
	Text           string
	AttachmentPath string
}

func NewFake() *Fake {
	return &Fake{events: make(chan InboundEvent, 64)}
}

func (f *Fake) Push(ev InboundEvent) {
	f.events <- ev
}

func (f *Fake) Listen(ctx context.Context) (<-chan InboundEvent, error) {
	return f.events, nil
}

func (f *Fake) SendGroupText(ctx context.Context, groupID, text, quoteMessageID string, mentionRecipients []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GroupSends = append(f.GroupSends, GroupSend{groupID, text, quoteMessageID, mentionRecipients})
	return true, nil
}

func (f *Fake) SendDirectText(ctx context.Context, adminID, text, attachmentPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DirectSends = append(f.DirectSends, DirectSend{adminID, text, attachmentPath})
	return true, nil
}

func (f *Fake) SendDirect(ctx context.Context, adminID, text string) error {
	_, err := f.SendDirectText(ctx, adminID, text, "")
	return err
}

func (f *Fake) ListGroups(ctx context.Context) ([]Group, error) {
	return f.Groups, nil
}

func (f *Fake) ResolveReachableGroup(ctx context.Context, name string) (string, bool, error) {
	for _, g := range f.Groups {
		if g.Name == name {
			return g.GroupID, true, nil
		}
	}
	return "", false, nil
}

func (f *Fake) MentionToken(adminID string) string {
	return "@" + adminID
}
