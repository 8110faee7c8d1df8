package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func generated(text string) []byte {
	b, _ := json.Marshal(generateResponse{GeneratedText: text})
	return b
}

func newTestGateway(url string, maxInFlight int) *Gateway {
	return New(Options{
		Endpoint:         url,
		Model:            "deepseek-vl",
		MaxInFlight:      maxInFlight,
		AdmissionTimeout: 50 * time.Millisecond,
	})
}

func TestInterpret(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("path = %s, want /v1/generate", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write(generated("MILK 3.49\nEGGS 4.99"))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL, 2)
	text, err := g.Interpret(context.Background(), "extract items", "aW1hZ2U=")
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if text != "MILK 3.49\nEGGS 4.99" {
		t.Errorf("text = %q", text)
	}
	if gotReq.ImageBase64 != "aW1hZ2U=" {
		t.Errorf("image_base64 = %q", gotReq.ImageBase64)
	}
	if gotReq.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", gotReq.Temperature)
	}
}

func TestRecommendOmitsImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["image_base64"]; ok {
			t.Error("image_base64 present in recommend request")
		}
		w.Write(generated(`{"recipes":[]}`))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL, 2)
	if _, err := g.Recommend(context.Background(), "suggest recipes"); err != nil {
		t.Fatalf("Recommend: %v", err)
	}
}

func TestGenerateBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL, 2)
	_, err := g.Interpret(context.Background(), "p", "")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestGenerateEndpointBackpressure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL, 2)
	_, err := g.Interpret(context.Background(), "p", "")
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}
}

func TestAdmissionBackpressure(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.Write(generated("late"))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Interpret(context.Background(), "slow", "")
	}()

	// Wait until the first request holds the only slot.
	deadline := time.Now().Add(time.Second)
	for !g.Saturated() {
		if time.Now().After(deadline) {
			t.Fatal("gateway never saturated")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := g.Recommend(context.Background(), "second")
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}

	close(blocked)
	wg.Wait()

	if g.Saturated() {
		t.Error("gateway still saturated after release")
	}
}
