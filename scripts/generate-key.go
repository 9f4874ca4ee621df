// Package main is a development utility for minting an access token that the
// jwt identity provider accepts, so the admin API can be exercised locally
// without the hosted auth service. It prints the token, a ready-to-run SQL
// statement granting the subject the admin role, and the Authorization header.
// Do not use it against production: it signs with whatever secret the local
// configuration holds.
//
// Usage: CONFIG_PATH=config.yaml go run ./scripts [email]
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/civic-directory/accessgate/internal/auth/idp"
	"github.com/civic-directory/accessgate/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Identity.JWT.Secret == "" {
		log.Fatal("identity.jwt.secret is not set (AG_IDENTITY_JWT_SECRET)")
	}

	email := "admin@dev.local"
	if len(os.Args) > 1 {
		email = os.Args[1]
	}
	subject := uuid.NewString()
	now := time.Now()

	claims := idp.Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Identity.JWT.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		},
	}
	if cfg.Identity.JWT.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Identity.JWT.Audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Identity.JWT.Secret))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Development Access Token")
	fmt.Println("==========================================================")
	fmt.Printf("\nSubject: %s\n", subject)
	fmt.Printf("\nToken: %s\n", token)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO profiles (id, email, role)
VALUES ('%s', '%s', 'admin')
ON CONFLICT (id) DO UPDATE SET role = 'admin';
`, subject, email)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", token)
	fmt.Println("==========================================================")
}
