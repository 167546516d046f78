package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMMGClientSendEchoesReference(t *testing.T) {
	t.Parallel()

	var gotBody mmgSendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Basic key-1" {
			t.Errorf("Authorization = %q, want Basic key-1", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		_, _ = w.Write([]byte(`{"reference":"12345"}`))
	}))
	defer server.Close()

	c, err := NewMMGClient(server.URL, "key-1", "GOVUK", NewHTTPClient(time.Second))
	if err != nil {
		t.Fatalf("NewMMGClient() error = %v", err)
	}

	result, err := c.Send(context.Background(), SendRequest{Reference: "n-1", To: "447700900123", Body: "hello"})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if result.Reference != "n-1" {
		t.Fatalf("Reference = %q, want n-1", result.Reference)
	}
	if gotBody.CID != "n-1" || gotBody.ReqType != "BULK" || gotBody.Sender != "GOVUK" {
		t.Fatalf("request body = %+v, want cid n-1, BULK, GOVUK", gotBody)
	}
}

func TestFiretextClientSendRejectedCodeIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("apiKey") != "key-1" || r.PostForm.Get("reference") != "n-1" {
			t.Errorf("form = %v, want apiKey and reference", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":1,"description":"invalid credentials"}`))
	}))
	defer server.Close()

	c, err := NewFiretextClient(server.URL, "key-1", "GOVUK", NewHTTPClient(time.Second))
	if err != nil {
		t.Fatalf("NewFiretextClient() error = %v", err)
	}

	_, err = c.Send(context.Background(), SendRequest{Reference: "n-1", To: "447700900123", Body: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient() = true, want false (err=%v)", err)
	}
}

func TestGovDeliveryClientSendParsesMessageLink(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/email" {
			t.Errorf("path = %s, want /messages/email", r.URL.Path)
		}
		if got := r.Header.Get("X-AUTH-TOKEN"); got != "token" {
			t.Errorf("X-AUTH-TOKEN = %q, want token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_links":{"self":"/messages/email/987654"}}`))
	}))
	defer server.Close()

	c, err := NewGovDeliveryClient(server.URL+"/", "token", "noreply@example.gov", NewHTTPClient(time.Second))
	if err != nil {
		t.Fatalf("NewGovDeliveryClient() error = %v", err)
	}

	result, err := c.Send(context.Background(), SendRequest{Reference: "n-1", To: "a@example.gov", Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if result.Reference != "987654" {
		t.Fatalf("Reference = %q, want 987654", result.Reference)
	}
}

func TestVETextClientReadTimeoutIsUnacknowledgedSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	core, recorded := observer.New(zapcore.WarnLevel)
	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	c, err := NewVETextClient(server.URL, "user", "pass", "app", client, zap.New(core))
	if err != nil {
		t.Fatalf("NewVETextClient() error = %v", err)
	}

	result, err := c.Send(context.Background(), SendRequest{Reference: "n-1", To: "1012345678V123456", TemplateID: "tpl"})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if result == nil || result.Reference != "" {
		t.Fatalf("result = %+v, want empty reference", result)
	}
	if recorded.Len() != 1 {
		t.Fatalf("warn logs = %d, want 1", recorded.Len())
	}
}

func TestVETextClientServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c, err := NewVETextClient(server.URL, "user", "pass", "app", NewHTTPClient(time.Second), nil)
	if err != nil {
		t.Fatalf("NewVETextClient() error = %v", err)
	}

	_, err = c.Send(context.Background(), SendRequest{Reference: "n-1", To: "icn", TemplateID: "tpl"})
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestNewHTTPProviderRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewMMGClient("", "key", "", NewHTTPClient(0)); err == nil {
		t.Fatal("NewMMGClient() error = nil, want endpoint error")
	}
	if _, err := NewFiretextClient("not a url", "key", "", NewHTTPClient(0)); err == nil {
		t.Fatal("NewFiretextClient() error = nil, want endpoint error")
	}
	if _, err := NewGovDeliveryClient("https://tms.example.gov", "token", "", nil); err == nil {
		t.Fatal("NewGovDeliveryClient() error = nil, want client error")
	}
}
