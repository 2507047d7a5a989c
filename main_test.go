package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"hopeturtles/auth"
	"hopeturtles/server"
)

type stubProvider struct {
	url string
}

func (s *stubProvider) AuthCodeURL(auth.LoginAttempt) string {
	return s.url
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	if err := runConnect(context.Background(), server.DefaultConfig(), discard(), &stubProvider{url: srv.URL + "/start"}, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := runConnect(context.Background(), server.DefaultConfig(), discard(), &stubProvider{url: srv.URL}, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectUnconfigured(t *testing.T) {
	err := runConnect(context.Background(), server.DefaultConfig(), discard(), nil, nil)
	if err == nil {
		t.Fatalf("expected error without Buwana settings")
	}
}

func TestRunConnectBuildsAuthorizeURL(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.Buwana.ClientID = "ht-web"
	cfg.Buwana.AuthURL = srv.URL + "/authorize"
	cfg.Buwana.TokenURL = srv.URL + "/token"
	cfg.Buwana.JWKSURL = srv.URL + "/jwks"

	if err := runConnect(context.Background(), cfg, discard(), nil, srv.Client()); err != nil {
		t.Fatalf("runConnect: %v", err)
	}
	q := got.URL.Query()
	if got.URL.Path != "/authorize" || q.Get("client_id") != "ht-web" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("unexpected authorize request %s", got.URL)
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// dev mode, public url, listen addr, dev idp, issuer, client id, secret,
	// redirect uri, session backend, users db
	answers := strings.Join([]string{
		"y",
		"",
		"",
		"n",
		"https://buwana.example.org",
		"ht-web",
		"",
		"",
		"",
		filepath.Join(t.TempDir(), "users.db"),
	}, "\n") + "\n"

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(answers)), path, discard())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Buwana.Issuer != "https://buwana.example.org" || cfg.Buwana.ClientID != "ht-web" {
		t.Fatalf("answers not stored: %+v", cfg.Buwana)
	}
	if cfg.Session.TTL != server.DefaultSessionTTL {
		t.Fatalf("durations did not survive the round trip: %s", cfg.Session.TTL)
	}
	if cfg.RedirectURL() != "http://127.0.0.1:8080/auth/callback" {
		t.Fatalf("unexpected redirect uri %q", cfg.RedirectURL())
	}
}

func TestBuwanaURLsSkipsDevIdP(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Buwana.Issuer = "https://buwana.example.org/"
	if got := buwanaURLs(cfg)["buwana.issuer"]; got != "https://buwana.example.org/.well-known/openid-configuration" {
		t.Fatalf("unexpected discovery url %q", got)
	}
	cfg.Server.DevIdP = true
	if len(buwanaURLs(cfg)) != 0 {
		t.Fatalf("dev idp urls should not be checked")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
