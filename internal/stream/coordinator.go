package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmachado/chat-fanout/internal/cache"
	"github.com/tmachado/chat-fanout/internal/connection"
	"github.com/tmachado/chat-fanout/internal/model"
	"github.com/tmachado/chat-fanout/internal/registry"
)

// streamRef maps a sub-stream id back to its request and model.
type streamRef struct {
	requestID string
	model     string
}

// Coordinator fans user messages out to multiple models over one Connection
// Manager and assembles the responses. Safe for concurrent use.
type Coordinator struct {
	cfg    Config
	conn   *connection.Manager
	reg    registry.Registry
	store  cache.Store // nil disables caching regardless of config
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*request
	streams map[string]streamRef
	stopped bool

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	cacheHits          int64
	cacheMisses        int64
	averageLatency     time.Duration

	updates chan Update

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. The store may be nil to disable the
// response cache.
func NewCoordinator(cfg Config, conn *connection.Manager, reg registry.Registry, store cache.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.UpdateBufferSize <= 0 {
		cfg.UpdateBufferSize = def.UpdateBufferSize
	}

	return &Coordinator{
		cfg:     cfg,
		conn:    conn,
		reg:     reg,
		store:   store,
		logger:  logger,
		active:  make(map[string]*request),
		streams: make(map[string]streamRef),
		updates: make(chan Update, cfg.UpdateBufferSize),
	}
}

// Start begins consuming connection events.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.eventLoop()
}

// Stop halts event consumption and fails every in-flight request. Waiters
// blocked in BestResponse are released.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.failPendingLocked("coordinator stopped")
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// StreamMessage fans message out to the given models and returns the request
// id. Model ids are de-duplicated preserving order and capped at
// MaxConcurrent. Cache hits return immediately with a pre-completed request.
func (c *Coordinator) StreamMessage(ctx context.Context, message, conversationID string, models []string, opts *RequestOptions) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	models = dedupe(models)
	if len(models) == 0 {
		return "", ErrNoModels
	}
	if len(models) > c.cfg.MaxConcurrent {
		models = models[:c.cfg.MaxConcurrent]
	}

	strategyName := c.cfg.Strategy
	timeout := c.cfg.RequestTimeout
	cacheEnabled := c.cfg.CacheEnabled && c.store != nil
	if opts != nil {
		if opts.Strategy != "" {
			strategyName = opts.Strategy
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.DisableCache {
			cacheEnabled = false
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrStopped
	}
	c.mu.Unlock()

	if cacheEnabled {
		if id, ok := c.tryCache(ctx, message, models); ok {
			return id, nil
		}
	}

	id := uuid.New().String()
	r := &request{
		id:             id,
		message:        message,
		conversationID: conversationID,
		models:         models,
		strategy:       StrategyByName(strategyName),
		cacheEnabled:   cacheEnabled,
		createdAt:      time.Now(),
		logs:           make(map[string][]connection.StreamChunk),
		settled:        make(map[string]bool),
		complete:       make(map[string]bool),
		errs:           make(map[string]string),
		done:           make(chan struct{}),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrStopped
	}
	c.totalRequests++
	c.active[id] = r
	for _, m := range models {
		c.streams[subStreamID(id, m)] = streamRef{requestID: id, model: m}
	}
	r.deadline = time.AfterFunc(timeout, func() { c.expire(id) })

	// Dispatch while holding the lock so no inbound event can settle a model
	// before its send is accounted for.
	for _, mid := range models {
		info, ok := c.reg.Resolve(mid)
		if !ok {
			r.errs[mid] = "unknown model: " + mid
			r.settleLocked(mid, false)
			continue
		}
		if err := c.conn.Send(c.buildFrame(r, info)); err != nil {
			r.errs[mid] = "send failed: " + err.Error()
			r.settleLocked(mid, false)
		}
	}
	if r.allSettledLocked() {
		c.completeLocked(r)
	}
	c.mu.Unlock()

	c.logger.Debug("request dispatched",
		"request_id", id,
		"models", len(models),
		"strategy", strategyName,
	)
	return id, nil
}

// BestResponse blocks until the request settles (all models, deadline, or
// cancellation), applies the strategy, and removes the request. It returns
// nil with no error when no model produced any content.
func (c *Coordinator) BestResponse(ctx context.Context, requestID string) (*ConsensusResult, error) {
	c.mu.Lock()
	r, ok := c.active[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.removeLocked(r)
	results := c.resultsLocked(r)
	c.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}
	if len(results) == 0 {
		return nil, nil
	}

	res := r.strategy.Select(results)
	res.RequestID = requestID

	if r.cacheEnabled && res.SelectedContent != "" {
		key := cache.Key(r.message, r.models)
		err := c.store.Put(ctx, key, cache.Entry{
			Content: res.SelectedContent,
			Models:  r.models,
		})
		if err != nil {
			// Cache failures never fail the request.
			c.logger.Warn("cache store failed", "request_id", requestID, "error", err)
		}
	}

	c.recordOutcome(res.SelectedContent != "", time.Since(r.createdAt))
	return &res, nil
}

// CancelRequest drops a request and releases its waiters. It reports whether
// the request existed; cancelling twice is a no-op.
func (c *Coordinator) CancelRequest(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.active[requestID]
	if !ok {
		return false
	}
	if !r.completed {
		r.completed = true
		close(r.done)
	}
	c.removeLocked(r)
	c.logger.Debug("request cancelled", "request_id", requestID)
	return true
}

// Updates returns the per-chunk progress channel. Slow consumers lose
// updates rather than stalling the coordinator.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// ActiveRequests returns the ids of requests not yet collected.
func (c *Coordinator) ActiveRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns a snapshot of coordinator counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Metrics{
		TotalRequests:      c.totalRequests,
		SuccessfulRequests: c.successfulRequests,
		FailedRequests:     c.failedRequests,
		CacheHits:          c.cacheHits,
		CacheMisses:        c.cacheMisses,
		AverageLatency:     c.averageLatency,
		ActiveRequests:     len(c.active),
	}
}

func (c *Coordinator) eventLoop() {
	defer c.wg.Done()

	events := c.conn.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-events:
			switch e := ev.(type) {
			case connection.ChunkEvent:
				c.handleChunk(e.Chunk)
			case connection.CompleteEvent:
				c.handleTerminal(e.StreamID, "")
			case connection.StreamErrorEvent:
				c.handleTerminal(e.StreamID, e.Message)
			case connection.DisconnectedEvent:
				if e.Abnormal {
					c.failAllPending("connection lost")
				}
			case connection.MaxReconnectsEvent:
				c.failAllPending("connection unavailable")
			case connection.DestroyedEvent:
				c.failAllPending("connection destroyed")
				return
			}
		}
	}
}

func (c *Coordinator) handleChunk(chunk connection.StreamChunk) {
	c.mu.Lock()
	ref, ok := c.streams[chunk.StreamID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("chunk for unknown stream", "stream_id", chunk.StreamID)
		return
	}
	r := c.active[ref.requestID]
	if r == nil || r.completed || r.settled[ref.model] {
		c.mu.Unlock()
		return
	}

	r.logs[ref.model] = append(r.logs[ref.model], chunk)
	if chunk.IsComplete {
		r.settleLocked(ref.model, true)
		if r.allSettledLocked() {
			c.completeLocked(r)
		}
	}
	c.mu.Unlock()

	c.emitUpdate(Update{RequestID: ref.requestID, Model: ref.model, Chunk: chunk})
}

// handleTerminal settles one sub-stream, as a completion when errMsg is
// empty and as an error otherwise.
func (c *Coordinator) handleTerminal(streamID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.streams[streamID]
	if !ok {
		return
	}
	r := c.active[ref.requestID]
	if r == nil || r.completed {
		return
	}

	if errMsg != "" {
		if r.settleLocked(ref.model, false) {
			r.errs[ref.model] = errMsg
		}
	} else {
		r.settleLocked(ref.model, true)
	}
	if r.allSettledLocked() {
		c.completeLocked(r)
	}
}

// expire fires when a request's deadline elapses. Pending models settle
// without an error; whatever chunks they produced still participate.
func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.active[id]
	if r == nil || r.completed {
		return
	}
	c.logger.Debug("request deadline elapsed", "request_id", id)
	for _, m := range r.models {
		r.settleLocked(m, false)
	}
	c.completeLocked(r)
}

// failAllPending settles every unsettled model of every in-flight request
// with the given error.
func (c *Coordinator) failAllPending(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPendingLocked(reason)
}

func (c *Coordinator) failPendingLocked(reason string) {
	for _, r := range c.active {
		if r.completed {
			continue
		}
		for _, m := range r.models {
			if r.settleLocked(m, false) {
				r.errs[m] = reason
			}
		}
		c.completeLocked(r)
	}
}

// completeLocked marks a request settled and releases its waiters. The
// request stays in the table until BestResponse or CancelRequest collects it.
func (c *Coordinator) completeLocked(r *request) {
	if r.completed {
		return
	}
	r.completed = true
	if r.deadline != nil {
		r.deadline.Stop()
	}
	close(r.done)
}

func (c *Coordinator) removeLocked(r *request) {
	if r.deadline != nil {
		r.deadline.Stop()
	}
	for _, m := range r.models {
		delete(c.streams, subStreamID(r.id, m))
	}
	delete(c.active, r.id)
}

// resultsLocked assembles per-model results in caller model order. Models
// with no chunks are absent.
func (c *Coordinator) resultsLocked(r *request) []ModelResult {
	results := make([]ModelResult, 0, len(r.models))
	for _, m := range r.models {
		log := r.logs[m]
		if len(log) == 0 {
			continue
		}
		var b strings.Builder
		for _, ch := range log {
			b.WriteString(ch.Content)
		}
		results = append(results, ModelResult{
			Model:    m,
			Content:  b.String(),
			Chunks:   log,
			Complete: r.complete[m],
			Err:      r.errs[m],
		})
	}
	return results
}

// tryCache serves a request from the response cache. On a hit it registers
// a pre-completed request and reports true.
func (c *Coordinator) tryCache(ctx context.Context, message string, models []string) (string, bool) {
	key := cache.Key(message, models)
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || err != nil {
		c.cacheMisses++
		return "", false
	}
	c.cacheHits++

	id := uuid.New().String()
	res := &ConsensusResult{
		RequestID:       id,
		SelectedContent: entry.Content,
		Confidence:      1,
		Reasoning:       "served from response cache",
		Cached:          true,
	}
	if len(entry.Models) > 0 {
		res.SelectedModel = entry.Models[0]
	}

	done := make(chan struct{})
	close(done)
	c.active[id] = &request{
		id:        id,
		message:   message,
		models:    models,
		createdAt: time.Now(),
		completed: true,
		done:      done,
		cached:    res,
	}

	c.emitUpdate(Update{
		RequestID: id,
		Model:     res.SelectedModel,
		Chunk: connection.StreamChunk{
			Content:    entry.Content,
			IsComplete: true,
			Timestamp:  model.NowMillis(),
			Model:      res.SelectedModel,
		},
		FromCache: true,
	})
	c.logger.Debug("cache hit", "request_id", id)
	return id, true
}

func (c *Coordinator) buildFrame(r *request, info model.Info) connection.Frame {
	return connection.Frame{
		Type: connection.FrameMessageSent,
		Message: &model.ChatMessage{
			ID:             subStreamID(r.id, info.ID),
			Role:           "user",
			Content:        r.message,
			ConversationID: r.conversationID,
			Model:          info.ID,
			Provider:       info.Provider,
			Timestamp:      model.NowMillis(),
		},
	}
}

// recordOutcome updates success/failure counters and the incremental
// average latency.
func (c *Coordinator) recordOutcome(ok bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok {
		c.successfulRequests++
	} else {
		c.failedRequests++
	}
	n := c.successfulRequests + c.failedRequests
	c.averageLatency = time.Duration(
		(int64(c.averageLatency)*(n-1) + int64(latency)) / n,
	)
}

func (c *Coordinator) emitUpdate(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Warn("updates channel full, dropping update",
			"request_id", u.RequestID, "model", u.Model)
	}
}

// subStreamID derives the wire id for one model's slice of a request.
func subStreamID(requestID, modelID string) string {
	return requestID + "-" + modelID
}

// dedupe removes duplicate model ids preserving first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
