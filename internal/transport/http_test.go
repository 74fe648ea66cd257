package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/chatterlab/courier/internal/delivery"
)

func TestSendDirectPerRecipientResults(t *testing.T) {
	var gotReq sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/messages/direct" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "acct" || p != "secret" {
			t.Errorf("auth: %s %s %v", u, p, ok)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(sendResponse{Results: []recipientResult{
			{Recipient: "alice", Status: "ok"},
			{Recipient: "bob", Status: "unregistered"},
			{Recipient: "carol", Status: "rejected", Error: "mailbox full"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, BasicAuth{Username: "acct", Password: "secret"}, nil)
	res, err := c.SendDirect(context.Background(), &delivery.Payload{
		ConversationID: "conv-1",
		Timestamp:      1000,
		Urgent:         true,
		Messages: []delivery.RecipientMessage{
			{Recipient: "alice", Ciphertext: []byte("a")},
			{Recipient: "bob", Ciphertext: []byte("b")},
			{Recipient: "carol", Ciphertext: []byte("c")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotReq.Timestamp != 1000 || !gotReq.Urgent || len(gotReq.Messages) != 3 {
		t.Errorf("request body: %+v", gotReq)
	}

	if res["alice"] != nil {
		t.Errorf("alice: %v", res["alice"])
	}
	var unavailable *delivery.RecipientUnavailableError
	if !errors.As(res["bob"], &unavailable) || unavailable.Reason != delivery.ReasonUnregistered {
		t.Errorf("bob: %v", res["bob"])
	}
	if res["carol"] == nil || res["carol"].Error() != "mailbox full" {
		t.Errorf("carol: %v", res["carol"])
	}
}

func TestSendGroupCarriesGroupFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/group" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GroupID == "" || req.Revision != 7 {
			t.Errorf("group fields: %+v", req)
		}
		json.NewEncoder(w).Encode(sendResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, BasicAuth{}, nil)
	if _, err := c.SendGroup(context.Background(), &delivery.Payload{
		ConversationID: "conv-1",
		GroupID:        []byte{0xAB},
		Revision:       7,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSendRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(sendResponse{Results: []recipientResult{
			{Recipient: "alice", Status: "ok"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, BasicAuth{}, nil)
	res, err := c.SendDirect(context.Background(), &delivery.Payload{
		ConversationID: "conv-1",
		Messages:       []delivery.RecipientMessage{{Recipient: "alice", Ciphertext: []byte("a")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls: %d", calls.Load())
	}
	if res["alice"] != nil {
		t.Errorf("alice: %v", res["alice"])
	}
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, BasicAuth{}, nil)
	if _, err := c.SendDirect(context.Background(), &delivery.Payload{ConversationID: "conv-1"}); err == nil {
		t.Fatal("expected error on 500")
	}
}
