package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"meeting-transcriber/internal/models"
)

func TestDeepgramTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key-1" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": {"channels": [{"alternatives": [{
				"transcript": "hello world",
				"confidence": 0.97,
				"words": [{"word": "hello", "start": 0.1, "end": 0.4}]
			}]}]}
		}`))
	}))
	defer srv.Close()

	d := NewDeepgram("key-1", srv.URL)
	tr, failure := d.Transcribe(context.Background(), Request{Audio: []byte("pcm")})
	if failure != nil {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if tr.Transcript != "hello world" || tr.Confidence != 0.97 {
		t.Fatalf("unexpected transcription: %+v", tr)
	}
	if len(tr.Words) != 1 || tr.Words[0].Word != "hello" {
		t.Fatalf("unexpected words: %+v", tr.Words)
	}
}

func TestDeepgramEmptyChannelsMeansEmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": {"channels": []}}`))
	}))
	defer srv.Close()

	d := NewDeepgram("key-1", srv.URL)
	tr, failure := d.Transcribe(context.Background(), Request{Audio: []byte("pcm")})
	if failure != nil {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if tr.Transcript != "" {
		t.Fatalf("expected empty transcript, got %q", tr.Transcript)
	}
}

func TestStatusFailureClassification(t *testing.T) {
	cases := []struct {
		status int
		reason string
	}{
		{http.StatusTooManyRequests, models.FailureRateLimitExceeded},
		{http.StatusUnauthorized, models.FailureCredentialsInvalid},
		{http.StatusForbidden, models.FailureCredentialsInvalid},
		{http.StatusGatewayTimeout, models.FailureTimedOut},
		{http.StatusInternalServerError, models.FailureRequestFailed},
		{http.StatusBadRequest, models.FailureRequestFailed},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		d := NewDeepgram("key-1", srv.URL)
		_, failure := d.Transcribe(context.Background(), Request{Audio: []byte("pcm")})
		srv.Close()

		if failure == nil || failure.Reason != tc.reason {
			t.Fatalf("status %d: expected reason %q, got %+v", tc.status, tc.reason, failure)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDeepgram("k", ""))

	if _, ok := reg.Lookup(models.ProviderDeepgram); !ok {
		t.Fatalf("expected deepgram registered")
	}
	if _, ok := reg.Lookup("unknown"); ok {
		t.Fatalf("expected unknown provider to miss")
	}
}
