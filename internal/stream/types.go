package stream

import (
	"errors"
	"time"

	"github.com/tmachado/chat-fanout/internal/connection"
)

// Errors reported synchronously to callers. Everything else is absorbed into
// per-model error slots or the connection manager's reconnect policy.
var (
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrNoModels        = errors.New("at least one model required")
	ErrRequestNotFound = errors.New("request not found")
	ErrStopped         = errors.New("coordinator stopped")
)

// Strategy names accepted in config and per-request options.
const (
	StrategyFastest   = "fastest"
	StrategyBest      = "best"
	StrategyConsensus = "consensus"
)

// Config holds coordinator defaults, overridable per request.
type Config struct {
	Strategy         string        // fastest | best | consensus
	MaxConcurrent    int           // model count cap per request
	RequestTimeout   time.Duration // per-request deadline
	CacheEnabled     bool          // consult/populate the response cache
	UpdateBufferSize int           // Updates channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyFastest,
		MaxConcurrent:    3,
		RequestTimeout:   30 * time.Second,
		CacheEnabled:     true,
		UpdateBufferSize: 1024,
	}
}

// RequestOptions overrides coordinator defaults for one request.
type RequestOptions struct {
	Strategy     string        // empty = coordinator default
	Timeout      time.Duration // 0 = coordinator default
	DisableCache bool
}

// ModelResult is one model's assembled outcome, input to a Strategy. Only
// models that produced at least one chunk become results.
type ModelResult struct {
	Model    string
	Content  string // chunk contents concatenated in arrival order
	Chunks   []connection.StreamChunk
	Complete bool   // terminal chunk observed
	Err      string // sub-stream error, empty if none
}

// Alternative is a non-selected model in a ConsensusResult, ranked by the
// strategy.
type Alternative struct {
	Model      string
	Content    string
	Confidence float64
	Err        string
}

// ConsensusResult is the selected answer plus ranked alternatives. It is
// never mutated after construction.
type ConsensusResult struct {
	RequestID       string
	SelectedModel   string
	SelectedContent string
	Confidence      float64
	Alternatives    []Alternative
	Reasoning       string
	Cached          bool
}

// Update is one per-chunk progress notification for rendering layers. For a
// given model, updates arrive in chunk arrival order. FromCache marks the
// synthetic update emitted on a cache hit.
type Update struct {
	RequestID string
	Model     string
	Chunk     connection.StreamChunk
	FromCache bool
}

// Metrics is a snapshot of coordinator counters.
type Metrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	CacheHits          int64
	CacheMisses        int64
	AverageLatency     time.Duration
	ActiveRequests     int
}

// request is the coordinator's per-request bookkeeping. All fields are
// guarded by the coordinator mutex.
type request struct {
	id             string
	message        string
	conversationID string
	models         []string // ordered, de-duplicated, capped
	strategy       Strategy
	cacheEnabled   bool
	createdAt      time.Time
	deadline       *time.Timer

	logs     map[string][]connection.StreamChunk // model → append-only chunk log
	settled  map[string]bool
	complete map[string]bool // settled via terminal chunk
	errs     map[string]string

	completed bool
	done      chan struct{}

	cached *ConsensusResult // pre-built result for a cache hit
}

// settleLocked marks one model settled. Settlement is monotonic: the first
// settle wins, later ones are no-ops.
func (r *request) settleLocked(model string, terminal bool) bool {
	if r.settled[model] {
		return false
	}
	r.settled[model] = true
	if terminal {
		r.complete[model] = true
	}
	return true
}

func (r *request) allSettledLocked() bool {
	for _, m := range r.models {
		if !r.settled[m] {
			return false
		}
	}
	return true
}
