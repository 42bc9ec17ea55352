// Package ingestor is the entry point for one inbound chat message: it
// turns the message into a RawMessage row plus the two jobs that act on it,
// annotating attached images with LLM-extracted facts along the way.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"caseforge/internal/buffer"
	"caseforge/internal/jobqueue"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/objectstore"
	"caseforge/internal/store"
)

// Input is one inbound message as handed off by the transport adapter.
type Input struct {
	GroupID    string
	MessageID  string
	Sender     string
	SenderName string
	TS         int64
	Text       string
	ImagePaths []string
	ReplyToID  string
}

// Ingestor turns one Input into a stored RawMessage plus its BUFFER_UPDATE
// and MAYBE_RESPOND jobs.
type Ingestor struct {
	Store  store.Store
	LLM    llmgateway.Gateway
	Images objectstore.ObjectStore

	MaxImageBytes       int64
	MaxImagesPerMessage int
	ContextRecentK      int

	// QueueHighWatermark defers MAYBE_RESPOND enqueues when the queue is
	// deeper than this; buffer updates are never deferred. Zero disables
	// the check.
	QueueHighWatermark int
}

// Run annotates images, persists the raw message idempotently, and
// enqueues the BUFFER_UPDATE and MAYBE_RESPOND jobs.
func (in *Ingestor) Run(ctx context.Context, input Input) error {
	log := logging.FromContext(ctx).With().Str("group_id", input.GroupID).Str("message_id", input.MessageID).Logger()

	// Raw content is stored exactly as received (plus image annotations);
	// bot attribution is derived from sender_hash when the buffer block is
	// formatted, never baked into content_text.
	text, images := in.annotateImages(ctx, input)

	inserted, err := in.Store.InsertRawMessage(ctx, store.RawMessage{
		GroupID: input.GroupID, MessageID: input.MessageID, TS: input.TS,
		SenderHash: input.Sender, SenderName: input.SenderName,
		ContentText: text, ImagePaths: input.ImagePaths, ReplyToID: input.ReplyToID,
	})
	if err != nil {
		return fmt.Errorf("ingestor: insert_raw_message: %w", err)
	}
	if !inserted {
		log.Debug().Msg("ingestor_duplicate_message")
		return nil
	}

	if _, err := in.Store.Enqueue(ctx, store.JobBufferUpdate, jobqueue.EncodeBufferUpdate(jobqueue.BufferUpdatePayload{
		GroupID: input.GroupID, MessageID: input.MessageID,
	})); err != nil {
		return fmt.Errorf("ingestor: enqueue buffer_update: %w", err)
	}

	if in.QueueHighWatermark > 0 {
		depth, err := in.Store.PendingJobCount(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("ingestor_queue_depth_check_failed")
		} else if depth > in.QueueHighWatermark {
			log.Warn().Int("depth", depth).Msg("ingestor_deferring_maybe_respond")
			return nil
		}
	}

	recent, err := in.recentContext(ctx, input.GroupID)
	if err != nil {
		log.Warn().Err(err).Msg("ingestor_recent_context_failed")
	}
	if _, err := in.Store.Enqueue(ctx, store.JobMaybeRespond, jobqueue.EncodeMaybeRespond(jobqueue.MaybeRespondPayload{
		GroupID: input.GroupID, MessageID: input.MessageID, Recent: recent, Images: images,
	})); err != nil {
		return fmt.Errorf("ingestor: enqueue maybe_respond: %w", err)
	}
	return nil
}

// annotateImages OCRs each attached image (bounded by count and size),
// appending a standard marker to the message text. A failed image call is
// non-fatal — the attachment is recorded as a bare filename marker and
// ingestion proceeds.
func (in *Ingestor) annotateImages(ctx context.Context, input Input) (string, []jobqueue.Image) {
	log := logging.FromContext(ctx)
	text := input.Text
	paths := input.ImagePaths
	if in.maxImages() > 0 && len(paths) > in.maxImages() {
		paths = paths[:in.maxImages()]
	}

	var images []jobqueue.Image
	for _, path := range paths {
		rc, attrs, err := in.Images.Get(ctx, path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ingestor_image_fetch_failed")
			text += fmt.Sprintf("\n\n[image: %s]", path)
			continue
		}
		data, readErr := readAllBounded(rc, in.maxImageBytes())
		rc.Close()
		if readErr != nil {
			log.Warn().Err(readErr).Str("path", path).Msg("ingestor_image_too_large_or_unreadable")
			text += fmt.Sprintf("\n\n[image: %s]", path)
			continue
		}

		facts, err := in.LLM.ImageToText(ctx, llmgateway.ImageInput{Bytes: data, MIME: attrs.ContentType}, input.Text)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ingestor_image_to_text_failed")
			text += fmt.Sprintf("\n\n[image: %s]", path)
			continue
		}
		factsJSON, _ := json.Marshal(facts)
		text += fmt.Sprintf("\n\n[image]\n%s", factsJSON)
		images = append(images, jobqueue.Image{Bytes: data, MIME: attrs.ContentType})
	}
	return text, images
}

// recentContext pulls the tail K non-bot blocks of the current buffer as
// the gate's recent_context.
func (in *Ingestor) recentContext(ctx context.Context, groupID string) ([]jobqueue.Recent, error) {
	text, err := in.Store.GetBuffer(ctx, groupID)
	if err != nil {
		return nil, err
	}
	blocks := buffer.FilterNonBot(buffer.ParseToBlocks(text))
	k := in.contextRecentK()
	if len(blocks) > k {
		blocks = blocks[len(blocks)-k:]
	}
	recent := make([]jobqueue.Recent, 0, len(blocks))
	for _, b := range blocks {
		recent = append(recent, jobqueue.Recent{SenderHash: b.SenderHash, ContentText: b.Body})
	}
	return recent, nil
}

func (in *Ingestor) contextRecentK() int {
	if in.ContextRecentK > 0 {
		return in.ContextRecentK
	}
	return 10
}

func (in *Ingestor) maxImages() int {
	if in.MaxImagesPerMessage > 0 {
		return in.MaxImagesPerMessage
	}
	return 4
}

func (in *Ingestor) maxImageBytes() int64 {
	if in.MaxImageBytes > 0 {
		return in.MaxImageBytes
	}
	return 8 << 20
}

func readAllBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image exceeds max_image_bytes")
	}
	return data, nil
}
