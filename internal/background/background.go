// Package background runs the daemon's deferred work on three cadences:
// fast (buffer flushing), medium (classification, observation
// extraction, embedding) and infrequent (stale-session recovery and
// summarization). Every job is idempotent: the store queries that feed
// each pass double as the done-markers, so a replayed job finds nothing
// to do and exits.
package background

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/embeddings"
	"github.com/oaklabs/oakd/internal/extraction"
	"github.com/oaklabs/oakd/internal/hooks"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.background")

// Cadences. Classification waits a grace period after a batch completes
// so trailing hooks can land.
const (
	fastInterval       = 10 * time.Second
	mediumInterval     = 60 * time.Second
	infrequentInterval = 5 * time.Minute

	classifyGracePeriod = 30 * time.Second
	shutdownGrace       = 30 * time.Second

	embedPageSize = 32
	maxRetries    = 4
)

// Processor owns the periodic work.
type Processor struct {
	store     *activity.Store
	vectors   *vectorstore.Store
	provider  embeddings.Provider
	extractor *extraction.Extractor
	cfg       *config.Config
	logger    *zap.Logger

	// classifyGrace delays classification after a batch completes so
	// trailing hooks can land first.
	classifyGrace time.Duration
	newBackoff    func() backoff.BackOff

	// inflight prevents the same (entity, kind) job from overlapping
	// across ticks.
	mu       sync.Mutex
	inflight map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a processor. provider and extractor may be nil; the
// passes needing them are skipped.
func New(store *activity.Store, vectors *vectorstore.Store, provider embeddings.Provider, extractor *extraction.Extractor, cfg *config.Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:         store,
		vectors:       vectors,
		provider:      provider,
		extractor:     extractor,
		cfg:           cfg,
		logger:        logger,
		classifyGrace: classifyGracePeriod,
		newBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
		},
		inflight: map[string]bool{},
		done:     make(chan struct{}),
	}
}

// Start launches the three loops. Stop cancels them.
func (p *Processor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	go func() {
		defer close(p.done)
		var wg sync.WaitGroup
		for _, l := range []struct {
			interval time.Duration
			pass     func(context.Context)
		}{
			{fastInterval, p.fastPass},
			{mediumInterval, p.mediumPass},
			{infrequentInterval, p.infrequentPass},
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx, l.interval, l.pass)
			}()
		}
		wg.Wait()
	}()
	p.logger.Info("background processor started")
}

// Stop cancels the loops and waits for the current unit of work, up to
// the shutdown grace period.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(shutdownGrace):
		p.logger.Warn("background processor did not stop in time")
	}
}

func (p *Processor) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// claim marks a (entity, kind) job in flight; the release must be
// called when the job ends. A false return means another tick holds it.
func (p *Processor) claim(kind, entity string) (release func(), ok bool) {
	key := kind + ":" + entity
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[key] {
		return nil, false
	}
	p.inflight[key] = true
	return func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}, true
}

// retry wraps a provider call with jittered exponential backoff, capped.
func (p *Processor) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.newBackoff(), ctx))
}

// fastPass flushes the activity buffer.
func (p *Processor) fastPass(ctx context.Context) {
	if err := p.store.Flush(ctx); err != nil {
		p.logger.Warn("background flush failed", zap.Error(err))
	}
}

// mediumPass classifies aged batches, extracts observations and embeds
// pending observations and plans.
func (p *Processor) mediumPass(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "background.mediumPass")
	defer span.End()

	p.classifyAndExtract(ctx)
	p.embedObservations(ctx)
	p.embedPlans(ctx)
}

// infrequentPass recovers stale sessions and summarizes sessions that
// ended without one.
func (p *Processor) infrequentPass(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "background.infrequentPass")
	defer span.End()

	// Recovered sessions show up in SessionsNeedingSummary, so the
	// summarize step below picks them up in the same pass.
	if _, _, err := p.store.RecoverStale(ctx, p.cfg.Session.StaleTimeout.Duration()); err != nil {
		p.logger.Warn("stale recovery failed", zap.Error(err))
	}

	p.summarizeSessions(ctx)
}

// classifyAndExtract handles batches whose grace period has passed.
// Setting the classification is the done-marker for both steps.
func (p *Processor) classifyAndExtract(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.classifyGrace)
	batches, err := p.store.BatchesNeedingClassification(ctx, cutoff, 50)
	if err != nil {
		p.logger.Warn("listing unclassified batches failed", zap.Error(err))
		return
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		release, ok := p.claim("classify", strconv.FormatInt(batch.ID, 10))
		if !ok {
			continue
		}

		acts, err := p.store.ListActivities(ctx, batch.ID)
		if err != nil {
			release()
			p.logger.Warn("listing batch activities failed",
				zap.Int64("batch_id", batch.ID), zap.Error(err))
			continue
		}

		class := hooks.Classify(&batch, acts)

		if p.extractor != nil && len(acts) > 0 {
			obs, err := p.extractor.ExtractObservations(ctx, &batch, acts)
			if err != nil {
				p.logger.Warn("observation extraction failed",
					zap.Int64("batch_id", batch.ID), zap.Error(err))
			}
			for _, o := range obs {
				if _, err := p.store.AddObservation(ctx, o); err != nil {
					p.logger.Warn("storing observation failed", zap.Error(err))
				}
			}
		}

		if err := p.store.SetClassification(ctx, batch.ID, class); err != nil {
			p.logger.Warn("classifying batch failed",
				zap.Int64("batch_id", batch.ID), zap.Error(err))
		}
		release()
	}
}

// embedObservations pushes unembedded observations into the memory
// collection.
func (p *Processor) embedObservations(ctx context.Context) {
	if p.provider == nil {
		return
	}
	release, ok := p.claim("embed", "observations")
	if !ok {
		return
	}
	defer release()

	obs, err := p.store.UnembeddedObservations(ctx, embedPageSize)
	if err != nil || len(obs) == 0 {
		return
	}

	texts := make([]string, len(obs))
	for i, o := range obs {
		texts[i] = o.Observation
	}

	var vecs [][]float32
	err = p.retry(ctx, func() error {
		var rerr error
		vecs, rerr = p.provider.EmbedDocuments(ctx, texts)
		return rerr
	})
	if err != nil {
		p.logger.Warn("embedding observations failed",
			zap.Int("count", len(obs)), zap.Error(err))
		return
	}

	docs := make([]vectorstore.Document, len(obs))
	ids := make([]int64, len(obs))
	for i, o := range obs {
		ids[i] = o.ID
		docs[i] = vectorstore.Document{
			ID:        "obs-" + strconv.FormatInt(o.ID, 10),
			Content:   o.Observation,
			Embedding: vecs[i],
			Metadata:  observationMetadata(o),
		}
	}
	if err := p.vectors.Add(ctx, vectorstore.CollectionMemory, docs); err != nil {
		p.logger.Warn("storing memory vectors failed", zap.Error(err))
		return
	}
	if err := p.store.MarkObservationsEmbedded(ctx, ids); err != nil {
		p.logger.Warn("marking observations embedded failed", zap.Error(err))
		return
	}
	p.logger.Debug("embedded observations", zap.Int("count", len(obs)))
}

func observationMetadata(o activity.Observation) map[string]string {
	md := map[string]string{
		"type":       o.Type,
		"importance": o.Importance,
		"archived":   "false",
		"created_at": o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.Archived {
		md["archived"] = "true"
	}
	if o.SessionID != nil {
		md["session_id"] = *o.SessionID
	}
	var tags []string
	if json.Unmarshal([]byte(o.Tags), &tags) == nil && len(tags) > 0 {
		md["tags"] = o.Tags
	}
	if o.FilePath != "" {
		md["filepath"] = o.FilePath
	}
	return md
}

// embedPlans pushes pending plan content into the plan collection.
func (p *Processor) embedPlans(ctx context.Context) {
	if p.provider == nil {
		return
	}
	release, ok := p.claim("embed", "plans")
	if !ok {
		return
	}
	defer release()

	batches, err := p.store.BatchesNeedingPlanEmbedding(ctx, embedPageSize)
	if err != nil || len(batches) == 0 {
		return
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		content := ""
		if batch.PlanContent != nil {
			content = *batch.PlanContent
		}
		if content == "" {
			continue
		}

		var vecs [][]float32
		err := p.retry(ctx, func() error {
			var rerr error
			vecs, rerr = p.provider.EmbedDocuments(ctx, []string{content})
			return rerr
		})
		if err != nil {
			p.logger.Warn("embedding plan failed",
				zap.Int64("batch_id", batch.ID), zap.Error(err))
			continue
		}

		md := map[string]string{
			"session_id": batch.SessionID,
			"batch_id":   strconv.FormatInt(batch.ID, 10),
			"created_at": batch.StartedAt.UTC().Format(time.RFC3339),
		}
		if batch.PlanFilePath != nil {
			md["plan_file_path"] = *batch.PlanFilePath
		}
		doc := vectorstore.Document{
			ID:        "plan-" + strconv.FormatInt(batch.ID, 10),
			Content:   content,
			Embedding: vecs[0],
			Metadata:  md,
		}
		if err := p.vectors.Add(ctx, vectorstore.CollectionPlan, []vectorstore.Document{doc}); err != nil {
			p.logger.Warn("storing plan vector failed", zap.Error(err))
			continue
		}
		if err := p.store.MarkPlanEmbedded(ctx, batch.ID); err != nil {
			p.logger.Warn("marking plan embedded failed", zap.Error(err))
		}
	}
}

// summarizeSessions titles and summarizes completed sessions that lack
// one.
func (p *Processor) summarizeSessions(ctx context.Context) {
	if p.extractor == nil {
		return
	}
	sessions, err := p.store.SessionsNeedingSummary(ctx, 10)
	if err != nil {
		p.logger.Warn("listing sessions needing summary failed", zap.Error(err))
		return
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		release, ok := p.claim("summarize", sess.ID)
		if !ok {
			continue
		}

		acts, err := p.store.SessionActivities(ctx, sess.ID)
		if err != nil {
			release()
			continue
		}
		batches, err := p.store.ListBatches(ctx, sess.ID)
		if err != nil {
			release()
			continue
		}
		firstPrompt := ""
		if len(batches) > 0 {
			firstPrompt = batches[0].UserPrompt
		}

		title := p.extractor.SessionTitle(ctx, firstPrompt)
		summary := p.extractor.SessionSummary(ctx, &sess, acts)
		if err := p.store.SetSessionMeta(ctx, sess.ID, title, summary); err != nil {
			p.logger.Warn("storing session summary failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		release()
	}
}

// RunMediumPass runs one medium pass synchronously, for tests and the
// CLI's explicit processing command.
func (p *Processor) RunMediumPass(ctx context.Context) { p.mediumPass(ctx) }

// RunInfrequentPass runs one infrequent pass synchronously.
func (p *Processor) RunInfrequentPass(ctx context.Context) { p.infrequentPass(ctx) }
