// Package stream implements the StreamMultiplexer (§4.7): it converts a
// scheduler Handle's token channel into the external event-stream wire
// format over SSE, and a chunked JSON format over WebSocket. Grounded on
// spec.md §4.7/§6 for the SSE chunk/finish/[DONE] shape and on
// original_source/api-gateway/src/websocket.py's stream_chunk
// ({content, finished}) event shape for the WebSocket sink.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixgate/gateway/internal/scheduler"
)

// Chunk is one delta in the chat-completion streaming wire format,
// following the widely-understood convention §6 asks for.
type Chunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

var now = time.Now

// WriteSSE drains h's token channel and writes it to w as server-sent
// events: a role chunk, one delta chunk per token, a final chunk with
// finish_reason, then the literal "[DONE]" terminator. It flushes after
// every chunk so tokens reach the client promptly (§4.7), and stops
// pulling from h and cancels the job if the client disconnects.
func WriteSSE(ctx context.Context, w http.ResponseWriter, h *scheduler.Handle, model string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	created := now().Unix()

	if err := writeChunk(w, Chunk{
		ID: h.JobID, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: "assistant"}}},
	}); err != nil {
		h.Cancel()
		return err
	}
	flusher.Flush()

	for {
		select {
		case tok, ok := <-h.Tokens():
			if !ok {
				finish := "stop"
				if err := writeChunk(w, Chunk{
					ID: h.JobID, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []ChunkChoice{{FinishReason: &finish}},
				}); err != nil {
					return err
				}
				if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
					return err
				}
				flusher.Flush()
				return nil
			}
			if err := writeChunk(w, Chunk{
				ID: h.JobID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []ChunkChoice{{Delta: ChunkDelta{Content: tok}}},
			}); err != nil {
				h.Cancel()
				return err
			}
			flusher.Flush()
		case <-ctx.Done():
			h.Cancel()
			return ctx.Err()
		}
	}
}

func writeChunk(w http.ResponseWriter, c Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// wsMessage is the WebSocket sink's per-token event, shaped after
// websocket.py's stream_chunk ({content, finished}) event.
type wsMessage struct {
	Content  string `json:"content"`
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
}

// Upgrader is shared by the admission pipeline's WebSocket route.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WriteWebSocket drains h's token channel over an already-upgraded
// websocket.Conn, emitting one {content, finished} JSON message per
// token and a final {finished: true} message. A write failure or ctx
// being done cancels the underlying job; the connection is never read, so
// a client-initiated close is noticed only when a later write fails.
func WriteWebSocket(ctx context.Context, conn *websocket.Conn, h *scheduler.Handle) error {
	for {
		select {
		case tok, ok := <-h.Tokens():
			if !ok {
				return conn.WriteJSON(wsMessage{Finished: true})
			}
			if err := conn.WriteJSON(wsMessage{Content: tok}); err != nil {
				h.Cancel()
				return err
			}
		case <-ctx.Done():
			h.Cancel()
			return ctx.Err()
		}
	}
}
