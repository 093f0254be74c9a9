// Command token mints a bearer token for local testing of the WebSocket and
// history endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/models"
)

func main() {
	_ = godotenv.Load(".env")

	id := flag.Int64("id", 0, "user id carried in the token")
	name := flag.String("name", "", "username carried in the token")
	email := flag.String("email", "", "e-mail carried in the token, used as the name when -name is empty")
	secret := flag.String("secret", defaultSecret(), "HMAC secret (defaults to CHATRELAY_JWT_SECRET or JWT_SECRET)")
	ttl := flag.Duration("ttl", auth.DefaultTTL, "token lifetime")
	flag.Parse()

	if *id <= 0 || (*name == "" && *email == "") {
		fmt.Fprintln(os.Stderr, "usage: token -id <id> -name <name> [-email <email>] [-secret <secret>] [-ttl 5h]")
		os.Exit(2)
	}

	issuer, err := auth.NewJWT(*secret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating signer: %v\n", err)
		os.Exit(1)
	}
	token, err := issuer.Issue(models.Identity{ID: *id, Name: *name}, *email, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Token:   %s\n", token)
	fmt.Printf("Expires: %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
}

func defaultSecret() string {
	if s := os.Getenv("CHATRELAY_JWT_SECRET"); s != "" {
		return s
	}
	return os.Getenv("JWT_SECRET")
}
