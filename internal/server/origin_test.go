package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name          string
		appURL        string
		isDevelopment bool
		origin        string
		want          bool
	}{
		{"empty origin allowed", "https://relay.example.com", false, "", true},
		{"app origin allowed", "https://relay.example.com", false, "https://relay.example.com", true},
		{"foreign origin rejected", "https://relay.example.com", false, "https://evil.example.com", false},
		{"localhost allowed in development", "https://relay.example.com", true, "http://localhost:3000", true},
		{"loopback allowed in development", "https://relay.example.com", true, "http://127.0.0.1:3000", true},
		{"localhost rejected in production", "https://relay.example.com", false, "http://localhost:3000", false},
		{"malformed origin rejected", "https://relay.example.com", false, "::not-a-url::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewCheckOrigin(tt.appURL, tt.isDevelopment)
			assert.Equal(t, tt.want, check(requestWithOrigin(tt.origin)))
		})
	}
}
