package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/ttscache/internal/providererr"
)

func TestProvider_Synthesize_PostsTextAndVoice(t *testing.T) {
	var gotReq synthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Write([]byte("edge-audio"))
	}))
	defer srv.Close()

	p := New(srv.URL)
	audio, err := p.Synthesize(context.Background(), "Merhaba", "", "", "mp3")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio) != "edge-audio" {
		t.Errorf("Synthesize() = %q, want edge-audio", audio)
	}
	if gotReq.Text != "Merhaba" {
		t.Errorf("request text = %q, want Merhaba", gotReq.Text)
	}
	if gotReq.Voice != defaultVoice {
		t.Errorf("request voice = %q, want default %q", gotReq.Voice, defaultVoice)
	}
}

func TestProvider_Synthesize_ErrorStatusCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("backend down"))
	}))
	defer srv.Close()

	p := New(srv.URL)
	_, err := p.Synthesize(context.Background(), "hi", "", "", "mp3")
	if err == nil {
		t.Fatal("Synthesize() should return an error on a 5xx response")
	}
	if code, ok := providererr.StatusCode(err); !ok || code != http.StatusServiceUnavailable {
		t.Errorf("StatusCode(err) = %d, %v; want %d, true", code, ok, http.StatusServiceUnavailable)
	}
}
