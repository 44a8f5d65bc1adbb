// Command grant-role sets the role custom claims the API authorizes against
// on a Firebase user, e.g. to promote a coach or an admin.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"coachline/internal/auth"
	"coachline/internal/models"
)

func main() {
	var (
		uid         string
		roles       string
		projectID   string
		credentials string
	)

	flag.StringVar(&uid, "uid", "", "Firebase uid of the user to update")
	flag.StringVar(&roles, "roles", "coach", "comma separated roles to grant; empty clears all roles")
	flag.StringVar(&projectID, "project", "", "Firebase project id")
	flag.StringVar(&credentials, "credentials", "", "path to a service account JSON file")
	flag.Parse()

	if strings.TrimSpace(uid) == "" {
		fatalf("--uid is required")
	}
	projectID = firstNonEmpty(projectID, os.Getenv("COACHLINE_FIREBASE_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT"))
	credentials = firstNonEmpty(credentials, os.Getenv("COACHLINE_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))

	normalized, err := normalizeRoles(roles)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := auth.NewFirebaseAuthClient(ctx, auth.FirebaseConfig{ProjectID: projectID, CredentialsFile: credentials})
	if err != nil {
		fatalf("open firebase: %v", err)
	}
	if err := auth.SetRoles(ctx, client, strings.TrimSpace(uid), normalized); err != nil {
		fatalf("grant roles: %v", err)
	}

	if len(normalized) == 0 {
		fmt.Printf("Cleared roles for %s.\n", uid)
	} else {
		fmt.Printf("Granted %s to %s.\n", strings.Join(normalized, ", "), uid)
	}
	fmt.Println("The user must refresh their ID token before the change applies.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

var knownRoles = map[string]struct{}{
	models.RoleAthlete:    {},
	models.RoleCoach:      {},
	models.RoleAssistant:  {},
	models.RoleAdmin:      {},
	models.RoleSuperadmin: {},
}

// normalizeRoles lowercases, dedupes and sorts a comma separated role list,
// rejecting roles the API does not recognise.
func normalizeRoles(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, role := range strings.Split(raw, ",") {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, ok := knownRoles[normalized]; !ok {
			return nil, fmt.Errorf("unknown role %q", normalized)
		}
		seen[normalized] = struct{}{}
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
