package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/chatterlab/courier/internal/recovery"
)

type recordingHandler struct {
	resends    chan *recovery.ResendRequest
	decryption chan *recovery.DecryptionError
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		resends:    make(chan *recovery.ResendRequest, 4),
		decryption: make(chan *recovery.DecryptionError, 4),
	}
}

func (h *recordingHandler) HandleResendRequest(_ context.Context, req *recovery.ResendRequest) (*recovery.Trace, error) {
	h.resends <- req
	return &recovery.Trace{}, nil
}

func (h *recordingHandler) HandleDecryptionError(_ context.Context, de *recovery.DecryptionError) (*recovery.Trace, error) {
	h.decryption <- de
	return &recovery.Trace{}, nil
}

func TestStreamDispatchesAndAcks(t *testing.T) {
	acks := make(chan ackFrame, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		frames := []signalFrame{
			{ID: "f1", Type: frameResendRequest, Sender: "peer", Device: 1, Timestamp: 1000, RatchetKey: "fp-1"},
			{ID: "f2", Type: frameDecryptionError, Sender: "peer", Device: 2, Timestamp: 2000},
			{ID: "f3", Type: "unknown-kind"},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		for range frames {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ack ackFrame
			if err := json.Unmarshal(data, &ack); err != nil {
				t.Errorf("bad ack: %v", err)
				continue
			}
			acks <- ack
		}
		// Hold the connection open until the client goes away.
		conn.Read(ctx)
	}))
	defer srv.Close()

	handler := newRecordingHandler()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewStream(url, BasicAuth{Username: "acct", Password: "secret"}, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case req := <-handler.resends:
		if req.Requester != "peer" || req.Timestamp != 1000 || req.RatchetKey != "fp-1" {
			t.Errorf("resend request: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resend request never dispatched")
	}

	select {
	case de := <-handler.decryption:
		if de.Sender != "peer" || de.Device != 2 || de.Timestamp != 2000 {
			t.Errorf("decryption error: %+v", de)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decryption error never dispatched")
	}

	// All three frames get acked, including the unknown one.
	want := map[string]bool{"f1": true, "f2": true, "f3": true}
	for range 3 {
		select {
		case ack := <-acks:
			if ack.Type != frameAck || !want[ack.ID] {
				t.Errorf("ack: %+v", ack)
			}
			delete(want, ack.ID)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing acks: %v", want)
		}
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.Read(r.Context())
	}))
	defer srv.Close()

	stream := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), BasicAuth{}, newRecordingHandler(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("run returned: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}
