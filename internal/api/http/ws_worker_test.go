package apihttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pricefinder/internal/domain"
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startWorkerServer(t *testing.T) (*testStack, *httptest.Server) {
	t.Helper()
	ts := newTestStack(t, WithKeepalive(100*time.Millisecond, 5*time.Second))
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)
	return ts, srv
}

func dialWorker(t *testing.T, srv *httptest.Server, secret string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker"
	header := http.Header{}
	header.Set(workerSecretHeader, secret)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) inboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read worker message: %v", err)
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func readJob(t *testing.T, conn *websocket.Conn) domain.Job {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Type != msgNewJob {
		t.Fatalf("message type = %q, want %q", msg.Type, msgNewJob)
	}
	var job domain.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		t.Fatal(err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWorkerHandshakeRejected(t *testing.T) {
	_, srv := startWorkerServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker?secret=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", resp)
	}
}

func TestWorkerSecretInQueryParam(t *testing.T) {
	ts, srv := startWorkerServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker?secret=" + testWorkerSecret
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()
	if msg := readMessage(t, conn); msg.Type != msgHello {
		t.Fatalf("first message = %q", msg.Type)
	}
	waitFor(t, "worker idle", func() bool { return ts.channel.State() == domain.WorkerIdle })
}

func TestWorkerEndToEnd(t *testing.T) {
	ts, srv := startWorkerServer(t)
	conn := dialWorker(t, srv, testWorkerSecret)
	if msg := readMessage(t, conn); msg.Type != msgHello {
		t.Fatalf("first message = %q, want hello", msg.Type)
	}

	if resp := get(t, srv, "/search?query=iPhone+13"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first search status = %d", resp.StatusCode)
	}
	if resp := get(t, srv, "/search?query=pixel+8"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second search status = %d", resp.StatusCode)
	}
	job := readJob(t, conn)
	if job.Key != "iphone 13" || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}
	if ts.queue.Size() != 1 {
		t.Fatalf("queue size = %d, want 1", ts.queue.Size())
	}

	body, _ := json.Marshal(map[string]any{
		"secret":  testWorkerSecret,
		"query":   "iphone 13",
		"results": []map[string]any{{"title": "iPhone 13 128GB", "price": 799}},
	})
	resp, err := http.Post(srv.URL+"/submit-results", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	// The socket completion after the HTTP submission is a harmless repeat.
	if err := conn.WriteJSON(map[string]any{"type": msgJobComplete, "data": map[string]string{"query": "iphone 13"}}); err != nil {
		t.Fatal(err)
	}

	next := readJob(t, conn)
	if next.Key != "pixel 8" {
		t.Fatalf("next job = %+v", next)
	}
	if resp := get(t, srv, "/search?query=iphone%2013"); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready search status = %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(map[string]any{"type": msgJobComplete, "data": map[string]string{"query": "Pixel 8"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker idle", func() bool { return ts.channel.State() == domain.WorkerIdle })
}

func TestWorkerDisconnectWhileBusy(t *testing.T) {
	ts, srv := startWorkerServer(t)
	conn := dialWorker(t, srv, testWorkerSecret)
	readMessage(t, conn)

	get(t, srv, "/search?query=iphone+13")
	get(t, srv, "/search?query=pixel+8")
	readJob(t, conn)
	if ts.channel.State() != domain.WorkerBusy {
		t.Fatalf("state = %s, want busy", ts.channel.State())
	}

	_ = conn.Close()
	waitFor(t, "worker disconnected", func() bool { return ts.channel.State() == domain.WorkerDisconnected })
	waitFor(t, "queue cleared", func() bool { return ts.queue.Size() == 0 })
	if resp := get(t, srv, "/search?query=iphone+13"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("search after disconnect = %d, want 503", resp.StatusCode)
	}

	again := dialWorker(t, srv, testWorkerSecret)
	readMessage(t, again)
	if resp := get(t, srv, "/search?query=iphone+13"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("search after reconnect = %d, want 202", resp.StatusCode)
	}
	if job := readJob(t, again); job.Key != "iphone 13" {
		t.Fatalf("job = %+v", job)
	}
}

func TestSecondWorkerReplacesFirst(t *testing.T) {
	ts, srv := startWorkerServer(t)
	first := dialWorker(t, srv, testWorkerSecret)
	readMessage(t, first)
	firstSession := ts.channel.Status().SessionID

	second := dialWorker(t, srv, testWorkerSecret)
	readMessage(t, second)
	waitFor(t, "session replaced", func() bool {
		return ts.channel.Status().SessionID != firstSession && ts.channel.Connected()
	})

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if !ts.channel.Connected() {
		t.Fatal("closing the replaced socket disconnected the new worker")
	}

	get(t, srv, "/search?query=ps5")
	if job := readJob(t, second); job.Key != "ps5" {
		t.Fatalf("job = %+v", job)
	}
}

func TestAdminForceDisconnectClosesSocket(t *testing.T) {
	ts, srv := startWorkerServer(t)
	conn := dialWorker(t, srv, testWorkerSecret)
	readMessage(t, conn)

	body, _ := json.Marshal(map[string]string{"code": testAdminCode})
	resp, err := http.Post(srv.URL+"/admin/worker/disconnect", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ts.channel.Connected() {
		t.Fatal("worker still connected")
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("read err = %v, want normal close", err)
		}
		break
	}
}

func TestWorkerConnSendAfterClose(t *testing.T) {
	wc := &workerConn{send: make(chan []byte, 1), done: make(chan struct{})}
	if err := wc.SendJob(domain.Job{ID: "1", Key: "a"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := wc.SendJob(domain.Job{ID: "2", Key: "b"}); err != errWorkerBufferFull {
		t.Fatalf("full buffer err = %v", err)
	}
	_ = wc.Close()
	_ = wc.Close()
	if err := wc.SendJob(domain.Job{ID: "3", Key: "c"}); err != errWorkerClosed {
		t.Fatalf("closed err = %v", err)
	}
}
