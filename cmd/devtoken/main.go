// Command devtoken mints a bearer token for local testing.
//
//	go run ./cmd/devtoken -sub alice
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"taxflow/internal/auth"
	"taxflow/internal/config"
)

func main() {
	subject := flag.String("sub", "", "owner id to put in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("TAXFLOW_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	svc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, config.Duration(cfg.Auth.TokenTTL))
	if err != nil {
		log.Fatalf("create auth service: %v", err)
	}
	token, err := svc.IssueToken(*subject, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
	if *ttl <= 0 {
		*ttl = svc.TokenTTL()
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
}
