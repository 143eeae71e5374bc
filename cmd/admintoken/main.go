// Command admintoken mints an HS256 bearer token accepted by the Admin
// API's internal/adminauth middleware, for local development and scripted
// tests where standing up a full identity provider is unwarranted.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var secret string
	var sub string
	flag.StringVar(&secret, "secret", "dev-secret", "HMAC secret, must match admin.hmac_secret in config")
	flag.StringVar(&sub, "sub", "admin", "subject claim")
	flag.Parse()

	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}
