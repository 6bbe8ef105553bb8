// Command mockserver is a stand-in chat backend for local development. It
// accepts WebSocket sessions, answers heartbeats, and streams canned chunked
// responses for every message_sent frame. Model ids containing "slow" stream
// at five times the chunk delay; ids containing "fail" abort with a
// stream_error after the first chunk.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tmachado/chat-fanout/internal/connection"
	"github.com/tmachado/chat-fanout/internal/model"
)

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"chat-v1"},
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type server struct {
	logger     *slog.Logger
	chunkDelay time.Duration
	chunks     int
}

func main() {
	addr := flag.String("addr", ":3000", "listen address")
	path := flag.String("path", "/ws", "WebSocket endpoint path")
	chunkDelay := flag.Duration("chunk-delay", 50*time.Millisecond, "delay between chunks")
	chunks := flag.Int("chunks", 5, "chunks per response")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	s := &server{logger: logger, chunkDelay: *chunkDelay, chunks: *chunks}

	mux := http.NewServeMux()
	mux.HandleFunc(*path, s.handleWS)

	logger.Info("mock server listening", "addr", *addr, "path", *path)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("session opened", "remote", conn.RemoteAddr())

	// One writer mutex per session; concurrent model streams share the socket.
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

	var g errgroup.Group
	defer g.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("session closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		var f connection.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case connection.FrameHeartbeat:
			if err := write(connection.Frame{Type: connection.FrameHeartbeat}); err != nil {
				return
			}
		case connection.FrameMessageSent:
			if f.Message == nil {
				s.logger.Warn("message_sent without message payload")
				continue
			}
			msg := *f.Message
			g.Go(func() error {
				s.streamResponse(write, msg)
				return nil
			})
		default:
			s.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// streamResponse emits a chunked canned answer for one sub-stream.
func (s *server) streamResponse(write func(connection.Frame) error, msg model.ChatMessage) {
	delay := s.chunkDelay
	if strings.Contains(msg.Model, "slow") {
		delay *= 5
	}
	fail := strings.Contains(msg.Model, "fail")

	for i := 0; i < s.chunks; i++ {
		time.Sleep(delay)

		if fail && i > 0 {
			err := write(connection.Frame{
				Type:     connection.FrameStreamError,
				StreamID: msg.ID,
				Error:    fmt.Sprintf("%s: simulated provider failure", msg.Model),
			})
			if err != nil {
				s.logger.Debug("write failed", "stream_id", msg.ID, "error", err)
			}
			return
		}

		last := i == s.chunks-1
		err := write(connection.Frame{
			Type: connection.FrameStreamChunk,
			Chunk: &connection.StreamChunk{
				ID:             fmt.Sprintf("%s-%d", msg.ID, i),
				ConversationID: msg.ConversationID,
				StreamID:       msg.ID,
				Content:        fmt.Sprintf("chunk %d of %d from %s. ", i+1, s.chunks, msg.Model),
				IsComplete:     last,
				Timestamp:      model.NowMillis(),
				Model:          msg.Model,
				Provider:       msg.Provider,
				Tokens:         4,
			},
		})
		if err != nil {
			s.logger.Debug("write failed", "stream_id", msg.ID, "error", err)
			return
		}
	}

	if err := write(connection.Frame{Type: connection.FrameStreamComplete, StreamID: msg.ID}); err != nil {
		s.logger.Debug("write failed", "stream_id", msg.ID, "error", err)
	}
}
