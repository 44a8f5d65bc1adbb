package objectstore

import (
	"fmt"
	"net/url"
	"strings"
)

// RewriteToCDN moves a signed URL onto the CDN origin, keeping the object
// path and the signature query intact. A CDN base with a path is prefixed
// to the original path.
func RewriteToCDN(signed, cdnBase string) (string, error) {
	cdnBase = strings.TrimSpace(cdnBase)
	if cdnBase == "" {
		return signed, nil
	}
	base, err := url.Parse(cdnBase)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid cdn base url %q", cdnBase)
	}
	target, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("parse signed url: %w", err)
	}
	target.Scheme = base.Scheme
	target.Host = base.Host
	if prefix := strings.TrimRight(base.Path, "/"); prefix != "" {
		target.Path = prefix + target.Path
		if target.RawPath != "" {
			target.RawPath = prefix + target.RawPath
		}
	}
	return target.String(), nil
}
