package server

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestNormalizeOrigins(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	got, allowAll := normalizeOrigins([]string{
		" HTTP://Example.COM ",
		"https://chat.example.com:8443",
		"",
		"not-a-url",
	}, logger)

	want := []string{"http://example.com", "https://chat.example.com:8443"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizeOrigins = %v, want %v", got, want)
	}
	if allowAll {
		t.Error("allowAll must be false without a wildcard")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Error("expected the invalid origin to be logged")
	}

	if _, allowAll := normalizeOrigins([]string{"*"}, logger); !allowAll {
		t.Error("wildcard should allow all origins")
	}
}

func TestOriginPolicy(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://example.com"}, "http://example.com", true},
		{"case-insensitive", []string{"http://example.com"}, "HTTP://EXAMPLE.COM", true},
		{"other host", []string{"http://example.com"}, "http://evil.com", false},
		{"other port", []string{"http://example.com:8080"}, "http://example.com:9090", false},
		{"other scheme", []string{"http://example.com"}, "https://example.com", false},
		{"path ignored", []string{"http://example.com"}, "http://example.com/chat", true},
		{"missing origin", []string{"http://example.com"}, "", false},
		{"malformed origin", []string{"*"}, "javascript:alert(1)", false},
		{"wildcard", []string{"*"}, "https://anywhere.dev", true},
		{"nothing configured", nil, "http://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, logger)
			req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := p.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
