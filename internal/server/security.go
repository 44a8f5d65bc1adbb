package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// API responses are JSON only and never framed or scripted.
	defaultAPIContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	// Media objects are untrusted uploads; sandbox them if a browser renders one.
	defaultMediaContentSecurityPolicy = "default-src 'none'; media-src 'self'; sandbox"
	// Players on the CORS allowlist load segments with no-cors media requests.
	defaultMediaResourcePolicy = "cross-origin"
	defaultFrameOptions        = "DENY"
	// Signatures travel in query strings and must not leak through Referer.
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
	defaultHSTSMaxAge         = 180 * 24 * time.Hour

	mediaRoutePrefix = "/media/"
	videoRoutePrefix = "/api/video/"
)

// SecurityConfig controls the hardening headers. API responses hand out
// signed upload and playback URLs; /media responses are fetched by players
// on other origins. Zero-valued fields fall back to the defaults above.
type SecurityConfig struct {
	ContentSecurityPolicy      string
	MediaContentSecurityPolicy string
	MediaResourcePolicy        string
	FrameOptions               string
	ReferrerPolicy             string
	PermissionsPolicy          string
	ContentTypeOptions         string
	// HSTSMaxAge enables Strict-Transport-Security. New turns it on with
	// defaultHSTSMaxAge when TLS is configured.
	HSTSMaxAge time.Duration
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultAPIContentSecurityPolicy
	}
	if cfg.MediaContentSecurityPolicy == "" {
		cfg.MediaContentSecurityPolicy = defaultMediaContentSecurityPolicy
	}
	if cfg.MediaResourcePolicy == "" {
		cfg.MediaResourcePolicy = defaultMediaResourcePolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

func (cfg SecurityConfig) hstsValue() string {
	if cfg.HSTSMaxAge <= 0 {
		return ""
	}
	return "max-age=" + strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10) + "; includeSubDomains"
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	hsts := effective.hstsValue()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		h.Set("Referrer-Policy", effective.ReferrerPolicy)
		h.Set("Permissions-Policy", effective.PermissionsPolicy)
		if hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}

		if strings.HasPrefix(r.URL.Path, mediaRoutePrefix) {
			// The media handler sets its own Cache-Control.
			h.Set("Content-Security-Policy", effective.MediaContentSecurityPolicy)
			h.Set("Cross-Origin-Resource-Policy", effective.MediaResourcePolicy)
		} else {
			h.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			h.Set("X-Frame-Options", effective.FrameOptions)
		}
		if strings.HasPrefix(r.URL.Path, videoRoutePrefix) {
			// Upload and playback bodies carry signed URLs.
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
