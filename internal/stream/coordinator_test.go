package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tmachado/chat-fanout/internal/cache"
	"github.com/tmachado/chat-fanout/internal/connection"
	"github.com/tmachado/chat-fanout/internal/model"
	"github.com/tmachado/chat-fanout/internal/registry"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// chatServer simulates the chat backend: it answers heartbeats and streams a
// canned chunked response per message_sent frame. Behavior is keyed off the
// model id: "fail" aborts with a stream_error after one chunk, "silent"
// never responds, "drop" sends one chunk and kills the whole connection.
// sent counts message_sent frames across all sessions.
func chatServer(t *testing.T, sent *atomic.Int64) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(f connection.Frame) error {
			f.Timestamp = model.NowMillis()
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f connection.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			switch f.Type {
			case connection.FrameHeartbeat:
				write(connection.Frame{Type: connection.FrameHeartbeat})
			case connection.FrameMessageSent:
				if f.Message == nil {
					continue
				}
				sent.Add(1)
				msg := *f.Message
				go streamCanned(conn, write, msg)
			}
		}
	}))
}

func streamCanned(conn *websocket.Conn, write func(connection.Frame) error, msg model.ChatMessage) {
	switch {
	case strings.Contains(msg.Model, "silent"):
		return

	case strings.Contains(msg.Model, "fail"):
		writeChunk(write, msg, 0, false)
		time.Sleep(5 * time.Millisecond)
		write(connection.Frame{
			Type:     connection.FrameStreamError,
			StreamID: msg.ID,
			Error:    msg.Model + ": simulated provider failure",
		})
		return

	case strings.Contains(msg.Model, "drop"):
		writeChunk(write, msg, 0, false)
		time.Sleep(5 * time.Millisecond)
		conn.Close()
		return

	default:
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			writeChunk(write, msg, i, i == 2)
		}
		write(connection.Frame{Type: connection.FrameStreamComplete, StreamID: msg.ID})
	}
}

func writeChunk(write func(connection.Frame) error, msg model.ChatMessage, i int, last bool) {
	write(connection.Frame{
		Type: connection.FrameStreamChunk,
		Chunk: &connection.StreamChunk{
			ID:             fmt.Sprintf("%s-%d", msg.ID, i),
			ConversationID: msg.ConversationID,
			StreamID:       msg.ID,
			Content:        fmt.Sprintf("%s part %d. ", msg.Model, i+1),
			IsComplete:     last,
			Timestamp:      model.NowMillis(),
			Model:          msg.Model,
			Provider:       msg.Provider,
		},
	})
}

func testRegistry() registry.Registry {
	return registry.NewStatic([]model.Info{
		{ID: "alpha", Provider: "test", Tier: model.TierStandard},
		{ID: "bravo", Provider: "test", Tier: model.TierStandard},
		{ID: "charlie", Provider: "test", Tier: model.TierEco},
		{ID: "fail-model", Provider: "test", Tier: model.TierStandard},
		{ID: "silent-model", Provider: "test", Tier: model.TierStandard},
		{ID: "drop-model", Provider: "test", Tier: model.TierStandard},
	})
}

// newTestCoordinator wires a coordinator to a live mock backend and connects.
func newTestCoordinator(t *testing.T, url string, cfg Config, store cache.Store) (*Coordinator, *connection.Manager) {
	t.Helper()

	mgrCfg := connection.ManagerConfig{
		URL:                  url,
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     time.Minute,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	mgr := connection.NewManager(mgrCfg, nil)
	t.Cleanup(mgr.Destroy)

	coord := NewCoordinator(cfg, mgr, testRegistry(), store, nil)
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return coord, mgr
}

func TestCoordinator_FanOutAndBestResponse(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{Strategy: StrategyFastest}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := coord.StreamMessage(ctx, "what is the capital of France?", "conv-1", []string{"alpha", "bravo"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	// Collect progress updates while the request runs.
	seen := map[string]int{}
	var seenMu sync.Mutex
	go func() {
		for u := range coord.Updates() {
			if u.RequestID != id {
				continue
			}
			seenMu.Lock()
			seen[u.Model]++
			seenMu.Unlock()
		}
	}()

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res == nil {
		t.Fatal("BestResponse returned nil result")
	}
	if res.RequestID != id {
		t.Errorf("RequestID = %q, want %q", res.RequestID, id)
	}
	if res.SelectedModel != "alpha" && res.SelectedModel != "bravo" {
		t.Errorf("SelectedModel = %q", res.SelectedModel)
	}
	if !strings.Contains(res.SelectedContent, "part 1. ") {
		t.Errorf("SelectedContent = %q", res.SelectedContent)
	}
	if len(res.Alternatives) != 1 {
		t.Errorf("Alternatives = %+v", res.Alternatives)
	}
	if got := sent.Load(); got != 2 {
		t.Errorf("server saw %d message_sent frames, want 2", got)
	}

	// The updates channel is drained asynchronously; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seenMu.Lock()
		done := seen["alpha"] == 3 && seen["bravo"] == 3
		seenMu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	seenMu.Lock()
	if seen["alpha"] != 3 || seen["bravo"] != 3 {
		t.Errorf("updates per model = %v, want 3 each", seen)
	}
	seenMu.Unlock()

	m := coord.Metrics()
	if m.TotalRequests != 1 || m.SuccessfulRequests != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.AverageLatency <= 0 {
		t.Errorf("AverageLatency = %v, want > 0", m.AverageLatency)
	}
}

func TestCoordinator_PartialFailureKeepsHealthyStreams(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{Strategy: StrategyBest}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := coord.StreamMessage(ctx, "hello", "", []string{"alpha", "fail-model"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res == nil {
		t.Fatal("BestResponse returned nil result")
	}
	if res.SelectedModel != "alpha" {
		t.Errorf("SelectedModel = %q, want alpha", res.SelectedModel)
	}
	if len(res.Alternatives) != 1 {
		t.Fatalf("Alternatives = %+v", res.Alternatives)
	}
	alt := res.Alternatives[0]
	if alt.Model != "fail-model" {
		t.Errorf("alternative Model = %q", alt.Model)
	}
	if !strings.Contains(alt.Err, "simulated provider failure") {
		t.Errorf("alternative Err = %q", alt.Err)
	}
}

func TestCoordinator_DeadlineSettlesPendingModels(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	id, err := coord.StreamMessage(ctx, "anyone there?", "", []string{"silent-model"},
		&RequestOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for a silent model, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline took %v to settle", elapsed)
	}
}

func TestCoordinator_DeadlineKeepsPartialChunks(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{Strategy: StrategyFastest}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// alpha completes; silent-model never settles. The deadline fires and
	// selection runs on what arrived.
	id, err := coord.StreamMessage(ctx, "partial race", "", []string{"alpha", "silent-model"},
		&RequestOptions{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res == nil {
		t.Fatal("BestResponse returned nil result")
	}
	if res.SelectedModel != "alpha" {
		t.Errorf("SelectedModel = %q, want alpha", res.SelectedModel)
	}
	// The absent model produced nothing, so it is not even an alternative.
	if len(res.Alternatives) != 0 {
		t.Errorf("Alternatives = %+v, want none", res.Alternatives)
	}
}

func TestCoordinator_ValidationErrors(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{}, nil)
	ctx := context.Background()

	if _, err := coord.StreamMessage(ctx, "   ", "", []string{"alpha"}, nil); err != ErrEmptyMessage {
		t.Errorf("empty message error = %v, want ErrEmptyMessage", err)
	}
	if _, err := coord.StreamMessage(ctx, "hi", "", nil, nil); err != ErrNoModels {
		t.Errorf("no models error = %v, want ErrNoModels", err)
	}
	if _, err := coord.BestResponse(ctx, "no-such-request"); err != ErrRequestNotFound {
		t.Errorf("unknown id error = %v, want ErrRequestNotFound", err)
	}
}

func TestCoordinator_UnknownModelSettlesImmediately(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := coord.StreamMessage(ctx, "hello", "", []string{"ghost-model"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if got := sent.Load(); got != 0 {
		t.Errorf("server saw %d message_sent frames, want 0", got)
	}
}

func TestCoordinator_CancelRequest(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{}, nil)
	ctx := context.Background()

	id, err := coord.StreamMessage(ctx, "never mind", "", []string{"silent-model"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	if !coord.CancelRequest(id) {
		t.Error("CancelRequest returned false for a live request")
	}
	if coord.CancelRequest(id) {
		t.Error("second CancelRequest returned true")
	}
	if _, err := coord.BestResponse(ctx, id); err != ErrRequestNotFound {
		t.Errorf("BestResponse after cancel = %v, want ErrRequestNotFound", err)
	}
	if coord.CancelRequest("no-such-request") {
		t.Error("CancelRequest returned true for unknown id")
	}
}

func TestCoordinator_CacheServesRepeatRequests(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	store := cache.NewMemoryStore(time.Hour)
	coord, _ := newTestCoordinator(t, wsURL(server), Config{CacheEnabled: true}, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := coord.StreamMessage(ctx, "cache me", "", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("first StreamMessage failed: %v", err)
	}
	first, err := coord.BestResponse(ctx, id1)
	if err != nil {
		t.Fatalf("first BestResponse failed: %v", err)
	}
	if first == nil || first.Cached {
		t.Fatalf("first result = %+v, want a fresh response", first)
	}

	wireTraffic := sent.Load()

	id2, err := coord.StreamMessage(ctx, "cache me", "", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("second StreamMessage failed: %v", err)
	}
	if id2 == id1 {
		t.Error("cache hit reused the original request id")
	}
	second, err := coord.BestResponse(ctx, id2)
	if err != nil {
		t.Fatalf("second BestResponse failed: %v", err)
	}
	if second == nil || !second.Cached {
		t.Fatalf("second result = %+v, want a cached response", second)
	}
	if second.SelectedContent != first.SelectedContent {
		t.Errorf("cached content %q != original %q", second.SelectedContent, first.SelectedContent)
	}
	if got := sent.Load(); got != wireTraffic {
		t.Errorf("cache hit produced wire traffic: %d -> %d", wireTraffic, got)
	}

	m := coord.Metrics()
	if m.CacheHits != 1 || m.CacheMisses != 1 {
		t.Errorf("cache counters = hits %d misses %d, want 1/1", m.CacheHits, m.CacheMisses)
	}
}

func TestCoordinator_DisableCachePerRequest(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	store := cache.NewMemoryStore(time.Hour)
	coord, _ := newTestCoordinator(t, wsURL(server), Config{CacheEnabled: true}, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, _ := coord.StreamMessage(ctx, "no cache please", "", []string{"alpha"}, nil)
	if _, err := coord.BestResponse(ctx, id1); err != nil {
		t.Fatalf("first BestResponse failed: %v", err)
	}

	id2, err := coord.StreamMessage(ctx, "no cache please", "", []string{"alpha"},
		&RequestOptions{DisableCache: true})
	if err != nil {
		t.Fatalf("second StreamMessage failed: %v", err)
	}
	res, err := coord.BestResponse(ctx, id2)
	if err != nil {
		t.Fatalf("second BestResponse failed: %v", err)
	}
	if res == nil || res.Cached {
		t.Errorf("result = %+v, want a fresh response with caching disabled", res)
	}
	if got := sent.Load(); got != 2 {
		t.Errorf("server saw %d message_sent frames, want 2", got)
	}
}

func TestCoordinator_ModelCapAndDedupe(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{MaxConcurrent: 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Duplicates collapse first, then the cap truncates to alpha, bravo.
	id, err := coord.StreamMessage(ctx, "hello", "", []string{"alpha", "alpha", "bravo", "charlie"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res == nil {
		t.Fatal("BestResponse returned nil result")
	}
	if got := sent.Load(); got != 2 {
		t.Errorf("server saw %d message_sent frames, want 2", got)
	}
	for _, alt := range res.Alternatives {
		if alt.Model == "charlie" {
			t.Error("model beyond the concurrency cap was dispatched")
		}
	}
}

func TestCoordinator_ConnectionLossFailsPendingModels(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{Strategy: StrategyFastest}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// drop-model sends one chunk and then the server kills the connection.
	id, err := coord.StreamMessage(ctx, "flaky", "", []string{"drop-model"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse failed: %v", err)
	}
	if res == nil {
		t.Fatal("BestResponse returned nil result")
	}
	if res.SelectedModel != "drop-model" {
		t.Errorf("SelectedModel = %q", res.SelectedModel)
	}
	// The single chunk that arrived before the drop is the answer.
	if !strings.Contains(res.SelectedContent, "part 1. ") {
		t.Errorf("SelectedContent = %q", res.SelectedContent)
	}
}

func TestCoordinator_StopFailsInFlightRequests(t *testing.T) {
	var sent atomic.Int64
	server := chatServer(t, &sent)
	defer server.Close()

	coord, _ := newTestCoordinator(t, wsURL(server), Config{}, nil)
	ctx := context.Background()

	id, err := coord.StreamMessage(ctx, "shutting down", "", []string{"silent-model"}, nil)
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	coord.Stop()

	res, err := coord.BestResponse(ctx, id)
	if err != nil {
		t.Fatalf("BestResponse after Stop failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for a request failed by shutdown, got %+v", res)
	}

	if _, err := coord.StreamMessage(ctx, "too late", "", []string{"alpha"}, nil); err != ErrStopped {
		t.Errorf("StreamMessage after Stop = %v, want ErrStopped", err)
	}
}
