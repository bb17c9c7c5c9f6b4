package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"sessionguard/internal/authn"
)

func TestExtractRequest_AccessPriority(t *testing.T) {
	tests := []struct {
		name       string
		allowQuery bool
		setup      func(r *http.Request)
		wantToken  string
		wantSource authn.Source
	}{
		{
			name: "bearer wins over everything",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer from-bearer")
				r.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
				r.Header.Set("X-Access-Token", "from-header")
			},
			wantToken:  "from-bearer",
			wantSource: authn.SourceBearer,
		},
		{
			name:       "bearer scheme is case-insensitive",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") },
			wantToken:  "abc",
			wantSource: authn.SourceBearer,
		},
		{
			name: "cookie before custom header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
				r.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
				r.Header.Set("X-Access-Token", "from-header")
			},
			wantToken:  "from-cookie",
			wantSource: authn.SourceCookie,
		},
		{
			name:       "custom header",
			setup:      func(r *http.Request) { r.Header.Set("X-Access-Token", " from-header ") },
			wantToken:  "from-header",
			wantSource: authn.SourceHeader,
		},
		{
			name:  "query ignored unless allowed",
			setup: func(r *http.Request) { r.URL.RawQuery = "access_token=from-query" },
		},
		{
			name:       "query when allowed",
			allowQuery: true,
			setup:      func(r *http.Request) { r.URL.RawQuery = "access_token=from-query" },
			wantToken:  "from-query",
			wantSource: authn.SourceQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/things", nil)
			tt.setup(r)
			req := extractRequest(r, CredentialConfig{AllowQuery: tt.allowQuery}.withDefaults())
			assert.Equal(t, tt.wantToken, req.AccessToken)
			assert.Equal(t, tt.wantSource, req.AccessSource)
		})
	}
}

func TestExtractRequest_RefreshAndClient(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/things", nil)
	r.RemoteAddr = "192.0.2.10:51234"
	r.Header.Set("User-Agent", "client/2")
	r.Header.Set("X-Refresh-Token", "from-header")
	r.AddCookie(&http.Cookie{Name: "sg_refresh", Value: "from-cookie"})

	req := extractRequest(r, CredentialConfig{RefreshCookie: "sg_refresh"}.withDefaults())
	assert.Equal(t, "from-cookie", req.RefreshToken)
	assert.Equal(t, authn.SourceCookie, req.RefreshSource)
	assert.Equal(t, "192.0.2.10", req.IPAddress)
	assert.Equal(t, "client/2", req.UserAgent)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/things", req.Path)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"forwarded chain behind proxy", true, map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "203.0.113.1"},
		{"real ip behind proxy", true, map[string]string{"X-Real-IP": "203.0.113.2"}, "203.0.113.2"},
		{"peer behind proxy without headers", true, nil, "192.0.2.1"},
		{"forwarded header ignored by default", false, map[string]string{"X-Forwarded-For": "203.0.113.1"}, "192.0.2.1"},
		{"real ip ignored by default", false, map[string]string{"X-Real-IP": "203.0.113.2"}, "192.0.2.1"},
		{"peer", false, nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "192.0.2.1:1234"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trustProxy))
		})
	}
}
