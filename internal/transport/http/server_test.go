package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewServer_MountsRoutes(t *testing.T) {
	srv, err := NewServer(
		WithAddress("127.0.0.1:0"),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "pong")
			})
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Stop(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "pong" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNewServer_MountFailure(t *testing.T) {
	boom := errors.New("mount failure")
	_, err := NewServer(
		WithAddress("127.0.0.1:0"),
		WithMount(func(*http.ServeMux) error { return boom }),
	)
	if !errors.Is(err, boom) {
		t.Fatalf("NewServer = %v, want %v", err, boom)
	}
}

func TestNewServer_CORSPolicy(t *testing.T) {
	srv, err := NewServer(
		WithAddress("127.0.0.1:0"),
		WithAllowedOrigins([]string{"https://ably.com"}),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/", func(http.ResponseWriter, *http.Request) {})
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Stop(context.Background())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://ably.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ably.com" {
		t.Errorf("allowed origin not granted: %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin granted: %q", got)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	srv, err := NewServer(
		WithAddress("127.0.0.1:0"),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	url := "http://" + srv.Addr().String() + "/healthz"
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
