package auth

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"coachline/internal/models"
)

// FirebaseConfig configures the Firebase Admin SDK.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked also rejects tokens revoked since issue, at the cost of a
	// network round trip per request.
	CheckRevoked bool
}

// FirebaseVerifier checks Firebase ID tokens.
type FirebaseVerifier struct {
	client       *fbauth.Client
	checkRevoked bool
}

// NewFirebaseAuthClient initialises the Admin SDK and returns its auth client.
func NewFirebaseAuthClient(ctx context.Context, cfg FirebaseConfig) (*fbauth.Client, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	var appConfig *firebase.Config
	if project := strings.TrimSpace(cfg.ProjectID); project != "" {
		appConfig = &firebase.Config{ProjectID: project}
	}
	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth: %w", err)
	}
	return client, nil
}

// NewFirebaseVerifier builds a verifier from the Admin SDK configuration.
func NewFirebaseVerifier(ctx context.Context, cfg FirebaseConfig) (*FirebaseVerifier, error) {
	client, err := NewFirebaseAuthClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &FirebaseVerifier{client: client, checkRevoked: cfg.CheckRevoked}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return models.Identity{}, ErrMissingToken
	}
	var (
		decoded *fbauth.Token
		err     error
	)
	if v.checkRevoked {
		decoded, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, token)
	} else {
		decoded, err = v.client.VerifyIDToken(ctx, token)
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	identity := models.Identity{UID: decoded.UID, Roles: rolesFromClaims(decoded.Claims)}
	if email, ok := decoded.Claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}

// SetRoles replaces the role custom claims of a Firebase user, keeping any
// unrelated claims.
func SetRoles(ctx context.Context, client *fbauth.Client, uid string, roles []string) error {
	user, err := client.GetUser(ctx, uid)
	if err != nil {
		return fmt.Errorf("load firebase user %s: %w", uid, err)
	}
	claims := make(map[string]interface{}, len(user.CustomClaims)+2)
	for k, v := range user.CustomClaims {
		claims[k] = v
	}
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		if trimmed := strings.ToLower(strings.TrimSpace(role)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		delete(claims, "role")
		delete(claims, "roles")
	} else {
		claims["role"] = normalized[0]
		claims["roles"] = normalized
	}
	if err := client.SetCustomUserClaims(ctx, uid, claims); err != nil {
		return fmt.Errorf("set claims for %s: %w", uid, err)
	}
	return nil
}

var _ Verifier = (*FirebaseVerifier)(nil)
