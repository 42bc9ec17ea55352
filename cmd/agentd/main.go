// Command agentd is caseforge's long-running process: it wires the store,
// index, LLM gateway, object store, and transport adapter, then runs the
// inbound event loop, the job queue worker pool, the periodic reconciler,
// and the HTTP surfaces (case viewer, history-bootstrap collaborator
// callbacks, Prometheus metrics) side by side until an interrupt signal
// asks it to drain and exit. One flat main assembles concrete
// implementations behind the package interfaces, started in an errgroup
// and torn down on context cancellation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"caseforge/internal/adminfsm"
	"caseforge/internal/answer"
	"caseforge/internal/config"
	"caseforge/internal/extractor"
	"caseforge/internal/historybridge"
	"caseforge/internal/httpapi"
	"caseforge/internal/index"
	"caseforge/internal/ingestor"
	"caseforge/internal/jobqueue"
	"caseforge/internal/llmgateway"
	"caseforge/internal/logging"
	"caseforge/internal/metrics"
	"caseforge/internal/objectstore"
	"caseforge/internal/reaction"
	"caseforge/internal/reconciler"
	"caseforge/internal/store"
	"caseforge/internal/transport"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agentd_exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTel.Endpoint != "" {
		shutdown, err := logging.InitOTel(ctx, cfg.OTel)
		if err != nil {
			return fmt.Errorf("init otel: %w", err)
		}
		defer shutdown(context.Background())
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer st.Close()

	idx, err := buildIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	images, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}

	llm, err := buildGateway(cfg)
	if err != nil {
		return fmt.Errorf("build llm gateway: %w", err)
	}

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	bridge := transport.NewWSAdapter(time.Duration(cfg.TransportTimeoutMS) * time.Millisecond)

	ex := &extractor.Extractor{
		Store: st, Index: idx, LLM: llm,
		MaxAge:         time.Duration(cfg.BufferMaxAgeHours) * time.Hour,
		MaxMsgs:        cfg.BufferMaxMessages,
		DedupThreshold: cfg.DedupThreshold,
		BotSenderHash:  cfg.BotSenderHash,
		Metrics:        mtr,
	}

	ansEngine := &answer.Engine{
		Store: st, Index: idx, LLM: llm, Transport: bridge,
		RetrieveTopK:  cfg.RetrieveTopK,
		B2Window:      time.Duration(cfg.B2WindowMS) * time.Millisecond,
		PublicBaseURL: cfg.PublicBaseURL,
		BotMentions:   cfg.BotMentionStrings,
		DefaultLang:   cfg.LanguageDefault,
		Metrics:       mtr,
		SentCache:     buildSentCache(cfg),
	}

	history := historybridge.NewClient(cfg.HistorybridgeBaseURL, cfg.HistorybridgeToken)

	disp := &jobqueue.Dispatcher{
		BufferUpdate: func(ctx context.Context, p jobqueue.BufferUpdatePayload) error {
			return ex.Run(ctx, p.GroupID, p.MessageID)
		},
		MaybeRespond: func(ctx context.Context, p jobqueue.MaybeRespondPayload) error {
			recent := make([]answer.RecentMessage, 0, len(p.Recent))
			for _, r := range p.Recent {
				recent = append(recent, answer.RecentMessage{SenderHash: r.SenderHash, ContentText: r.ContentText})
			}
			imgs := make([]llmgateway.ImageInput, 0, len(p.Images))
			for _, im := range p.Images {
				imgs = append(imgs, llmgateway.ImageInput{Bytes: im.Bytes, MIME: im.MIME})
			}
			return ansEngine.Handle(ctx, p.GroupID, p.MessageID, recent, imgs)
		},
		HistoryLink: history.RequestLink,
	}

	pool := &jobqueue.Pool{
		Store: st, Disp: disp, Metrics: mtr,
		Config: jobqueue.Config{
			WorkerCount:  cfg.WorkerCount,
			LeaseTime:    time.Duration(cfg.JobLeaseSeconds) * time.Second,
			PollInterval: time.Duration(cfg.JobPollIntervalMS) * time.Millisecond,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}

	in := &ingestor.Ingestor{
		Store: st, LLM: llm, Images: images,
		MaxImageBytes:       cfg.MaxImageBytes,
		MaxImagesPerMessage: cfg.MaxImagesPerMessage,
		ContextRecentK:      cfg.ContextRecentK,
		QueueHighWatermark:  cfg.QueueHighWatermark,
	}

	reactions := &reaction.Handler{Store: st, Index: idx, LLM: llm, PositiveSet: cfg.PositiveEmojiSet}

	admins := &adminfsm.Machine{
		Store: st, Groups: bridge, Sender: bridge,
		JWTSecret: []byte(cfg.JWTSecret),
	}

	ansEngine.Commands = map[string]answer.Command{
		"/setdocs": func(ctx context.Context, groupID, _ string, args string) error {
			return st.SetGroupDocs(ctx, groupID, strings.Fields(args))
		},
	}
	ansEngine.OnRecipientUnreachable = func(ctx context.Context, adminID string) {
		if err := admins.OnContactRemoved(ctx, adminID); err != nil {
			log.Error().Err(err).Str("admin_id", adminID).Msg("contact_removed_cleanup_failed")
		}
	}

	rec := &reconciler.Reconciler{
		Store: st, Index: idx, Metrics: mtr, Embed: llm.Embed,
		Config: reconciler.Config{
			OpenCaseMaxAge: time.Duration(cfg.B1TTLDays) * 24 * time.Hour,
			JobRetention:   time.Duration(cfg.JobRetention) * 24 * time.Hour,
		},
		GroupIDs: func(ctx context.Context) ([]string, error) {
			groups, err := bridge.ListGroups(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(groups))
			for _, g := range groups {
				ids = append(ids, g.GroupID)
			}
			return ids, nil
		},
	}

	historyHandler := &historybridge.Handler{
		Store: st, LLM: llm, Extractor: ex, Objects: images, Sender: bridge,
		PublicBaseURL: cfg.PublicBaseURL,
	}

	apiServer := newAPIMux(st, images, reg, bridge, historyHandler)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return rec.Run(ctx) })
	g.Go(func() error { return runInboundLoop(ctx, bridge, in, reactions, admins) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("agentd_http_listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newAPIMux assembles the one HTTP surface the process exposes: the case
// viewer API and static images (httpapi.Server), the history-bootstrap
// collaborator's two callback routes, the bot-bridge websocket endpoint,
// and the Prometheus scrape endpoint.
func newAPIMux(st store.Store, images objectstore.ObjectStore, reg *prometheus.Registry, bridge *transport.WSAdapter, hb *historybridge.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewServer(st, images))
	mux.HandleFunc("POST /history/qr-ready", hb.ServeQRReady)
	mux.HandleFunc("POST /history/cases", hb.ServeCases)
	mux.HandleFunc("/ws", bridge.ServeHTTP)
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		return store.NewMemory(), nil
	}
	pool, err := store.OpenPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	pg := store.NewPostgres(pool)
	pg.TxTimeout = time.Duration(cfg.TxTimeoutMS) * time.Millisecond
	if err := pg.Init(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func buildIndex(ctx context.Context, cfg config.Config) (index.Index, error) {
	if cfg.Qdrant.DSN == "" {
		return index.NewMemoryIndex(), nil
	}
	return index.NewQdrantIndex(ctx, cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric)
}

func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, cfg.S3)
}

// buildSentCache returns a RedisSentCache when Redis is configured, so the
// idempotent-send guarantee holds across multiple agentd processes; nil
// falls back to Engine's in-process set.
func buildSentCache(cfg config.Config) answer.SentCache {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return answer.NewRedisSentCache(client, time.Duration(cfg.Redis.SentTTLHours)*time.Hour)
}

func buildGateway(cfg config.Config) (llmgateway.Gateway, error) {
	if cfg.Anthropic.APIKey == "" {
		return &llmgateway.Fake{}, nil
	}
	embedder := llmgateway.NewOpenAIEmbedder(cfg.OpenAI)
	timeout := time.Duration(cfg.LLMTimeoutMS) * time.Millisecond
	return llmgateway.NewAnthropicGateway(cfg.Anthropic, embedder, timeout), nil
}

// runInboundLoop drains the transport's event channel, dispatching each
// event to the ingestor, reaction handler, or admin session machine by
// kind. A MessageEvent with an empty GroupID is a
// direct message to the bot account rather than a group message, and is
// routed to the Admin Session Machine instead of the Ingestor.
func runInboundLoop(ctx context.Context, t *transport.WSAdapter, in *ingestor.Ingestor, reactions *reaction.Handler, admins *adminfsm.Machine) error {
	events, err := t.Listen(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			handleInboundEvent(ctx, ev, in, reactions, admins)
		}
	}
}

func handleInboundEvent(ctx context.Context, ev transport.InboundEvent, in *ingestor.Ingestor, reactions *reaction.Handler, admins *adminfsm.Machine) {
	log := logging.FromContext(ctx)
	switch ev.Kind {
	case transport.EventMessage:
		m := ev.Message
		if m == nil {
			return
		}
		if m.GroupID == "" {
			if err := admins.OnDirectMessage(ctx, m.SenderHash, m.Text); err != nil {
				log.Error().Err(err).Str("admin_id", m.SenderHash).Msg("admin_dm_failed")
			}
			return
		}
		input := ingestor.Input{
			GroupID: m.GroupID, MessageID: m.MessageID, Sender: m.SenderHash, SenderName: m.SenderName,
			TS: m.TS, Text: m.Text, ImagePaths: m.ImagePaths, ReplyToID: m.ReplyToID,
		}
		if err := in.Run(ctx, input); err != nil {
			log.Error().Err(err).Str("group_id", m.GroupID).Str("message_id", m.MessageID).Msg("ingest_failed")
		}
	case transport.EventReaction:
		r := ev.Reaction
		if r == nil {
			return
		}
		var err error
		if r.IsRemove {
			err = reactions.OnRemove(ctx, r.GroupID, r.TargetTS, r.TargetAuthor, r.SenderHash, r.Emoji)
		} else {
			err = reactions.OnAdd(ctx, r.GroupID, r.TargetTS, r.TargetAuthor, r.SenderHash, r.Emoji)
		}
		if err != nil {
			log.Error().Err(err).Str("group_id", r.GroupID).Msg("reaction_failed")
		}
	case transport.EventContactRemoved:
		c := ev.ContactRemoved
		if c == nil {
			return
		}
		if err := admins.OnContactRemoved(ctx, c.SenderHash); err != nil {
			log.Error().Err(err).Str("admin_id", c.SenderHash).Msg("contact_removed_failed")
		}
	}
}
