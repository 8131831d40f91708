// genkey generates a random HMAC secret for signing Scriptorium bearer tokens.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go >> .env
//
// Prints a single SCRIPTORIUM_JWT_SECRET=... line. The server loads .env at
// startup through godotenv, and scriptoriumctl token reads the same variable.
// Rotating the secret invalidates every token issued with the old one.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

const secretBytes = 32

func main() {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: read random bytes: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("SCRIPTORIUM_JWT_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(buf))
}
