package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/technosupport/ts-campus/internal/tokens"
)

// Mints a bearer token for pointing the dashboard at a dev backend that
// shares the signing key.
func main() {
	username := flag.String("user", "admin", "token subject")
	admin := flag.Bool("admin", true, "set the is_admin claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		key = "dev-secret-do-not-use-in-prod"
	}

	token, err := mint(tokens.NewManager(key), *username, *admin, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token_gen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

// mint signs a token and validates it back before handing it out.
func mint(mgr *tokens.Manager, username string, isAdmin bool, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	token, err := mgr.GenerateAccessToken(username, isAdmin, ttl)
	if err != nil {
		return "", err
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("self-check: %w", err)
	}
	if claims.Username() != username || claims.IsAdmin != isAdmin {
		return "", fmt.Errorf("self-check: claims mismatch (sub=%s admin=%v)", claims.Username(), claims.IsAdmin)
	}
	return token, nil
}
