package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"coachline/internal/models"
)

type staticEntry struct {
	token    string
	identity models.Identity
}

// StaticVerifier accepts a fixed token table. It backs local development and
// tests where no Firebase project is available.
type StaticVerifier struct {
	entries []staticEntry
}

// NewStaticVerifier builds a verifier from token -> identity pairs.
func NewStaticVerifier(tokens map[string]models.Identity) *StaticVerifier {
	v := &StaticVerifier{}
	for token, identity := range tokens {
		v.entries = append(v.entries, staticEntry{token: token, identity: identity})
	}
	return v
}

// ParseStaticTokens reads "token=uid:role1|role2" entries separated by
// commas.
func ParseStaticTokens(spec string) (map[string]models.Identity, error) {
	tokens := make(map[string]models.Identity)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			return nil, fmt.Errorf("static token entry %q must be token=uid[:roles]", entry)
		}
		uid, roleList, _ := strings.Cut(rest, ":")
		uid = strings.TrimSpace(uid)
		if uid == "" {
			return nil, fmt.Errorf("static token entry %q has no uid", entry)
		}
		identity := models.Identity{UID: uid}
		for _, role := range strings.Split(roleList, "|") {
			if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
				identity.Roles = append(identity.Roles, role)
			}
		}
		tokens[token] = identity
	}
	return tokens, nil
}

// Verify compares against every entry in constant time.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return models.Identity{}, ErrMissingToken
	}
	var (
		match models.Identity
		found bool
	)
	for _, entry := range v.entries {
		if subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) == 1 {
			match = entry.identity
			found = true
		}
	}
	if !found {
		return models.Identity{}, ErrInvalidToken
	}
	return match, nil
}

var _ Verifier = (*StaticVerifier)(nil)
