package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-host"
)

// sseTestServer is a minimal MCP SSE server: a GET handler streaming
// hand-written SSE frames and a POST handler recording upchannel messages.
type sseTestServer struct {
	srv *httptest.Server

	endpoint   atomic.Value // string, advertised on connect; empty for none
	postStatus atomic.Int32

	events chan string
	posts  chan sseTestPost

	mu          sync.Mutex
	closeStream chan struct{}
}

type sseTestPost struct {
	path string
	body string
}

func newSSETestServer(initialEndpoint string) *sseTestServer {
	s := &sseTestServer{
		events:      make(chan string, 10),
		closeStream: make(chan struct{}),
		posts:       make(chan sseTestPost, 10),
	}
	s.endpoint.Store(initialEndpoint)
	s.postStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/", s.handlePost)
	s.srv = httptest.NewServer(mux)

	return s
}

func (s *sseTestServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if endpoint, _ := s.endpoint.Load().(string); endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.currentCloseStream():
			return
		case ev := <-s.events:
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}
}

func (s *sseTestServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)
	s.posts <- sseTestPost{path: r.URL.RequestURI(), body: string(body)}
	w.WriteHeader(int(s.postStatus.Load()))
}

func (s *sseTestServer) emitMessage(data string) {
	s.events <- fmt.Sprintf("event: message\ndata: %s\n\n", data)
}

func (s *sseTestServer) emitEndpoint(endpoint string) {
	s.events <- fmt.Sprintf("event: endpoint\ndata: %s\n\n", endpoint)
}

func (s *sseTestServer) currentCloseStream() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeStream
}

// dropStream closes the current GET and arms a fresh close channel for the
// next connection.
func (s *sseTestServer) dropStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.closeStream)
	s.closeStream = make(chan struct{})
}

func (s *sseTestServer) close() {
	s.srv.Close()
}

// subscribe drains the transport's message stream into a channel.
func subscribe(transport mcp.Transport) chan []byte {
	frames := make(chan []byte, 10)
	go func() {
		defer close(frames)
		for frame := range transport.Messages() {
			frames <- frame
		}
	}()
	return frames
}

// sendEventually retries Send until the server-advertised endpoint is known.
func sendEventually(t *testing.T, transport mcp.Transport, data []byte) error {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := transport.Send(context.Background(), data)
		var ise *mcp.InvalidStateError
		if errors.As(err, &ise) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return err
	}
}

func TestSSEEndpointDiscoveryAndPost(t *testing.T) {
	server := newSSETestServer("/message?sessionId=abc")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	frames := subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)

	if err := sendEventually(t, transport, []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	select {
	case post := <-server.posts:
		if post.path != "/message?sessionId=abc" {
			t.Errorf("got POST path %q, want %q", post.path, "/message?sessionId=abc")
		}
		if !strings.Contains(post.body, `"ping"`) {
			t.Errorf("got POST body %q, want it to contain %q", post.body, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for POST")
	}

	// A later endpoint event atomically replaces the POST target.
	server.emitEndpoint("/message?sessionId=def")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := transport.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":"2","method":"ping"}`)); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
		post := <-server.posts
		if post.path == "/message?sessionId=def" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("endpoint never replaced, last POST path %q", post.path)
		}
		time.Sleep(20 * time.Millisecond)
	}

	go func() {
		for range frames {
		}
	}()
}

func TestSSEMessageForwarding(t *testing.T) {
	server := newSSETestServer("/message")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	frames := subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)

	server.emitMessage(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	// Events other than endpoint forward their payload verbatim, whatever
	// their type.
	server.events <- "event: custom\ndata: custom-payload\n\n"

	want := []string{
		`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
		"custom-payload",
	}
	for _, w := range want {
		select {
		case frame := <-frames:
			if string(frame) != w {
				t.Errorf("got frame %q, want %q", frame, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}
}

func TestSSESendBeforeEndpoint(t *testing.T) {
	server := newSSETestServer("")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)

	err := transport.Send(context.Background(), []byte(`{}`))
	var ise *mcp.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if !strings.Contains(ise.Reason, "endpoint not known") {
		t.Errorf("got reason %q, want it to mention the unknown endpoint", ise.Reason)
	}
}

func TestSSEPostFailure(t *testing.T) {
	server := newSSETestServer("/message")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	frames := subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)

	// Establish the endpoint with a successful send first.
	if err := sendEventually(t, transport, []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	<-server.posts

	server.postStatus.Store(http.StatusInternalServerError)

	err := transport.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":"2","method":"ping"}`))
	<-server.posts
	var ise *mcp.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if !strings.Contains(ise.Reason, "POST failed to") {
		t.Errorf("got reason %q, want it to contain %q", ise.Reason, "POST failed to")
	}

	// The downchannel stays open after a failed POST.
	server.emitMessage(`{"jsonrpc":"2.0","method":"notifications/progress"}`)
	select {
	case frame := <-frames:
		if !strings.Contains(string(frame), "notifications/progress") {
			t.Errorf("got frame %q", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("downchannel closed after failed POST")
	}
}

func TestSSEOriginMismatch(t *testing.T) {
	server := newSSETestServer("http://evil.example.com/message")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	frames := subscribe(transport)
	waitForStatus(t, transport, mcp.StatusFailed)

	state := transport.State()
	var ise *mcp.InvalidStateError
	if !errors.As(state.Err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", state.Err)
	}
	if !strings.Contains(ise.Reason, "origin mismatch") {
		t.Errorf("got reason %q, want it to contain %q", ise.Reason, "origin mismatch")
	}

	select {
	case _, ok := <-frames:
		if ok {
			t.Error("unexpected frame after origin mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after origin mismatch")
	}
}

func TestSSEServerDisconnectAndReconnect(t *testing.T) {
	server := newSSETestServer("/message")
	defer server.close()

	transport := mcp.NewSSETransport(server.srv.URL + "/sse")
	defer transport.Stop()

	frames := subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)
	firstSession := transport.SessionID()

	// Server closes the GET: the stream ends and the transport settles in
	// Disconnected, not Failed.
	server.dropStream()
	select {
	case _, ok := <-frames:
		if ok {
			t.Error("unexpected frame after server close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after server close")
	}
	waitForStatus(t, transport, mcp.StatusDisconnected)

	// Reconnect yields a fresh session.
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("failed to restart transport: %v", err)
	}
	subscribe(transport)
	waitForStatus(t, transport, mcp.StatusConnected)

	secondSession := transport.SessionID()
	if secondSession == "" || secondSession == firstSession {
		t.Errorf("expected a fresh session id, got %q then %q", firstSession, secondSession)
	}

	if err := sendEventually(t, transport, []byte(`{"jsonrpc":"2.0","id":"9","method":"ping"}`)); err != nil {
		t.Fatalf("failed to send after reconnect: %v", err)
	}
}
