package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"yldr-backend/internal/handlers"
)

func main() {
	username := flag.String("username", "admin", "username to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		fmt.Println("Error: ADMIN_JWT_SECRET environment variable is not set")
		os.Exit(1)
	}

	token, err := handlers.GenerateAdminJWT(secret, *username, *ttl)
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("Admin JWT Token")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  Username: %s\n", *username)
	fmt.Printf("  Expires:  %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' ...\n", token)
}
