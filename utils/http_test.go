package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDoAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, `{"status":"ok"}`)
		case "/echo":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type %q", ct)
			}
			w.WriteHeader(http.StatusNoContent)
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	body, err := DoAPI(ctx, srv.Client(), http.MethodGet, srv.URL+"/ok", nil, http.StatusOK)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body %s", body)
	}

	if _, err := DoAPI(ctx, srv.Client(), http.MethodPut, srv.URL+"/echo", []byte(`{"k":"v"}`), http.StatusNoContent); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err = DoAPI(ctx, srv.Client(), http.MethodGet, srv.URL+"/boom", nil, http.StatusOK)
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Code != http.StatusInternalServerError || !strings.Contains(ae.Message, "boom") {
		t.Errorf("unexpected APIError: %+v", ae)
	}
}

func TestDoAPIConnectionError(t *testing.T) {
	hc := &http.Client{Timeout: 100 * time.Millisecond}
	_, err := DoAPI(context.Background(), hc, http.MethodGet, "http://127.0.0.1:1/nope", nil, http.StatusOK)
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *APIError
	if errors.As(err, &ae) {
		t.Errorf("transport failure should not be an APIError, got code %d", ae.Code)
	}
}

func TestSocketHTTPClient(t *testing.T) {
	// /tmp rather than t.TempDir(): socket paths are length-limited.
	sock := filepath.Join("/tmp", fmt.Sprintf("vdisk-http-%d.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(sock) })

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "pong")
		}))
	}()

	body, err := DoAPI(context.Background(), NewSocketHTTPClient(sock), http.MethodGet, "http://localhost/ping", nil, http.StatusOK)
	if err != nil {
		t.Fatalf("via socket: %v", err)
	}
	if string(body) != "pong" {
		t.Errorf("body %q", body)
	}

	if err := CheckSocket(sock); err != nil {
		t.Errorf("check live socket: %v", err)
	}
	if err := CheckSocket("/nonexistent/test.sock"); err == nil {
		t.Error("expected error for missing socket")
	}
}

func TestDoWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		got, err := DoWithRetry(ctx, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, &APIError{Code: http.StatusBadGateway, Message: "upstream"}
			}
			return 7, nil
		})
		if err != nil || got != 7 {
			t.Fatalf("got %d, %v", got, err)
		}
		if calls != 3 {
			t.Errorf("calls = %d", calls)
		}
	})

	t.Run("client error stops immediately", func(t *testing.T) {
		calls := 0
		_, err := DoWithRetry(ctx, func() (string, error) {
			calls++
			return "", &APIError{Code: http.StatusNotFound, Message: "missing"}
		})
		if err == nil || calls != 1 {
			t.Fatalf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		_, err := DoWithRetry(ctx, func() (string, error) {
			calls++
			return "", errors.New("down")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != RetryAttempts+1 {
			t.Errorf("calls = %d, want %d", calls, RetryAttempts+1)
		}
	})

	t.Run("canceled during backoff", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := DoWithRetry(cctx, func() (string, error) {
			return "", errors.New("down")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	for code, want := range map[int]bool{400: false, 404: false, 409: false, 429: true, 500: true, 503: true} {
		if got := IsRetryable(&APIError{Code: code}); got != want {
			t.Errorf("code %d: retryable = %v, want %v", code, got, want)
		}
	}
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("plain errors should retry")
	}
	if IsRetryable(fmt.Errorf("wrap: %w", &APIError{Code: 404})) {
		t.Error("wrapped 404 should not retry")
	}
}
