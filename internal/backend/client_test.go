package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperjump/douki/internal/models"
)

func TestListAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/assets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"success","data":[{"asset_id":"a1","status":"Ready"},{"asset_id":"a2","status":"Raw"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	records, err := c.ListAssets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0]["asset_id"] != "a1" {
		t.Errorf("records = %v", records)
	}
}

func TestIngestStatus_vocabularyMapping(t *testing.T) {
	tests := []struct {
		body string
		want models.IngestPhase
	}{
		{`{"phase":"in_progress","progress":{"Pipeline":40}}`, models.IngestInProgress},
		{`{"phase":"idle"}`, models.IngestIdle},
		{`{"status":"INGESTING","progress":{"AI-Synthesis":70}}`, models.IngestInProgress},
		{`{"status":"IDLE"}`, models.IngestIdle},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tt.body))
		}))
		c := NewClient(srv.URL)
		snap, err := c.IngestStatus(context.Background())
		srv.Close()
		if err != nil {
			t.Fatal(err)
		}
		if snap.Phase != tt.want {
			t.Errorf("body %s: phase = %s, want %s", tt.body, snap.Phase, tt.want)
		}
	}
}

func TestTriggerSync_busyIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).TriggerSync(context.Background())
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Errorf("err = %v, want RejectionError", err)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		f.Close()
		if hdr.Filename != "lecture.mp4" {
			t.Errorf("filename = %s", hdr.Filename)
		}
		w.Write([]byte(`{"status":"success","asset_id":"a1"}`))
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).Upload(context.Background(), "lecture.mp4", strings.NewReader("bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "a1" {
		t.Errorf("id = %s", id)
	}
}

func TestUpload_rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"Unsupported file type: exe"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Upload(context.Background(), "x.exe", strings.NewReader(""))
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want RejectionError", err)
	}
	if !strings.Contains(rej.Message, "Unsupported") {
		t.Errorf("message = %q", rej.Message)
	}
}

func TestUpload_filenameFallbackID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","filename":"paper.pdf"}`))
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).Upload(context.Background(), "paper.pdf", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if id != "paper.pdf" {
		t.Errorf("id = %s", id)
	}
}

func TestChatStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("chat_id"); got != "c1" {
			t.Errorf("chat_id = %s", got)
		}
		w.Write([]byte(`{"status":"Researching","evidence":[{"asset_name":"a.pdf"}]}`))
	}))
	defer srv.Close()

	phase, evidence, err := NewClient(srv.URL).ChatStatus(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if phase != "Researching" || len(evidence) != 1 {
		t.Errorf("phase = %s, evidence = %v", phase, evidence)
	}
}

func TestCreateChatAndDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/chats/create":
			w.Write([]byte(`{"chat_id":"CH-AAAA1111"}`))
		case "/api/v1/chats/details":
			w.Write([]byte(`{"status":"success","data":{"chat_id":"CH-AAAA1111","status":"Idle"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.CreateChat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "CH-AAAA1111" {
		t.Errorf("id = %s", id)
	}
	details, err := c.ChatDetails(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if details["chat_id"] != "CH-AAAA1111" {
		t.Errorf("details = %v", details)
	}
}
