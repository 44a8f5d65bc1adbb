package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveWithSecurity(t *testing.T, cfg SecurityConfig, path string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	middleware := securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	middleware.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Result()
}

func TestSecurityHeadersLockDownVideoAPI(t *testing.T) {
	t.Parallel()

	res := serveWithSecurity(t, SecurityConfig{}, "/api/video/playback?videoId=v1&format=all")

	assertHeaderEquals(t, res, "Content-Security-Policy", defaultAPIContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", defaultFrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", "no-referrer")
	assertHeaderEquals(t, res, "Cache-Control", "no-store")
	assertHeaderEquals(t, res, "X-Content-Type-Options", "nosniff")
	assertHeaderEquals(t, res, "Cross-Origin-Resource-Policy", "")
	assertHeaderEquals(t, res, "Strict-Transport-Security", "")
}

func TestSecurityHeadersLetPlayersLoadMedia(t *testing.T) {
	t.Parallel()

	res := serveWithSecurity(t, SecurityConfig{}, "/media/delivery/v1/hls/720p/segment_00001.ts?expires=1&signature=abc")

	assertHeaderEquals(t, res, "Content-Security-Policy", defaultMediaContentSecurityPolicy)
	assertHeaderEquals(t, res, "Cross-Origin-Resource-Policy", "cross-origin")
	assertHeaderEquals(t, res, "X-Frame-Options", "")
	assertHeaderEquals(t, res, "Cache-Control", "")
	assertHeaderEquals(t, res, "Referrer-Policy", "no-referrer")
	assertHeaderEquals(t, res, "X-Content-Type-Options", "nosniff")
}

func TestSecurityHeadersHealthIsNotMarkedNoStore(t *testing.T) {
	t.Parallel()

	res := serveWithSecurity(t, SecurityConfig{}, "/healthz")
	assertHeaderEquals(t, res, "Content-Security-Policy", defaultAPIContentSecurityPolicy)
	assertHeaderEquals(t, res, "Cache-Control", "")
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	t.Parallel()

	cfg := SecurityConfig{
		ContentSecurityPolicy:      "default-src 'none'; frame-ancestors https://coach.example.com",
		MediaContentSecurityPolicy: "default-src 'none'",
		MediaResourcePolicy:        "same-site",
		FrameOptions:               "SAMEORIGIN",
		ReferrerPolicy:             "same-origin",
		PermissionsPolicy:          "fullscreen=(self)",
		HSTSMaxAge:                 time.Hour,
	}

	res := serveWithSecurity(t, cfg, "/api/video/status?videoId=v1")
	assertHeaderEquals(t, res, "Content-Security-Policy", cfg.ContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", cfg.FrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", cfg.ReferrerPolicy)
	assertHeaderEquals(t, res, "Permissions-Policy", cfg.PermissionsPolicy)
	assertHeaderEquals(t, res, "Strict-Transport-Security", "max-age=3600; includeSubDomains")

	res = serveWithSecurity(t, cfg, "/media/delivery/v1/mp4/720p.mp4")
	assertHeaderEquals(t, res, "Content-Security-Policy", cfg.MediaContentSecurityPolicy)
	assertHeaderEquals(t, res, "Cross-Origin-Resource-Policy", cfg.MediaResourcePolicy)
}

func TestServerAppliesSecurityHeadersPerRoute(t *testing.T) {
	srv, err := New(newTestHandler(t), Config{
		Addr:     "127.0.0.1:0",
		Verifier: testVerifier(t),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		name      string
		path      string
		csp       string
		noStore   bool
		mediaCORP bool
	}{
		{name: "health", path: "/healthz", csp: defaultAPIContentSecurityPolicy},
		{name: "unauthenticated api", path: "/api/video/status?videoId=v1", csp: defaultAPIContentSecurityPolicy, noStore: true},
		{name: "media", path: "/media/delivery/v1/hls/manifest.m3u8", csp: defaultMediaContentSecurityPolicy, mediaCORP: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			res := rec.Result()
			if res.StatusCode == 0 {
				t.Fatalf("expected status code on %s", tc.path)
			}
			assertHeaderEquals(t, res, "Content-Security-Policy", tc.csp)
			assertHeaderEquals(t, res, "Referrer-Policy", defaultReferrerPolicy)
			if got := res.Header.Get("Cache-Control") == "no-store"; got != tc.noStore {
				t.Fatalf("Cache-Control no-store = %v on %s", got, tc.path)
			}
			if got := res.Header.Get("Cross-Origin-Resource-Policy") != ""; got != tc.mediaCORP {
				t.Fatalf("Cross-Origin-Resource-Policy set = %v on %s", got, tc.path)
			}
			assertHeaderEquals(t, res, "Strict-Transport-Security", "")
		})
	}
}

func TestServerEnablesHSTSWithTLS(t *testing.T) {
	srv, err := New(newTestHandler(t), Config{
		Addr:     "127.0.0.1:0",
		TLS:      TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"},
		Verifier: testVerifier(t),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertHeaderEquals(t, rec.Result(), "Strict-Transport-Security", "max-age=15552000; includeSubDomains")
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
