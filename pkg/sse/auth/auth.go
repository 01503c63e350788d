// Package auth verifies and decodes the bearer token SSE subscribe/publish
// requests carry into the topic-selector claim lists spec.md §4.H names
// ("mercure.subscribe", "mercure.publish").
//
// Grounded on the original source's src/sse/auth.rs, whose
// authorize_publisher/authorize_subscriber both call
// decode::<Claims>(bearer.token(), &KEYS.decoding, &Validation::default())
// against a jsonwebtoken HS256 DecodingKey built from the hardcoded secret
// "!ChangeMe!" (KEYS, seeded from that literal rather than the
// commented-out JWT_SECRET environment lookup beside it). This package
// verifies the same way, via golang-jwt/jwt/v5's HS256 support, against a
// secret supplied by the caller (pkg/sse.New) rather than a package-level
// constant, so deployments can override the original's weak fixed key
// through internal/config.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// DefaultSecret is the literal HS256 secret the original source hardcodes.
// internal/config defaults to this value so the system runs out of the box
// exactly as the original does; operators are expected to override it.
const DefaultSecret = "!ChangeMe!"

// Claims is the subset of the bearer token payload this system reads.
// Mirrors the "mercure" namespace the original source's Mercure-derived
// protocol defines.
type Claims struct {
	jwt.RegisteredClaims
	Mercure MercureClaims `json:"mercure"`
}

// MercureClaims carries the authorized topic-selector lists.
type MercureClaims struct {
	Subscribe []string `json:"subscribe"`
	Publish   []string `json:"publish"`
}

// Parse verifies token's HS256 signature against secret and decodes its
// claims, the Go equivalent of the original's
// decode::<Claims>(token, &KEYS.decoding, &Validation::default()). An
// empty, malformed, or unverifiable token parses to empty Claims rather
// than an error, so anonymous subscribers (spec.md §4.H: "absent for
// anonymous") are a normal, not exceptional, case; a token that fails
// verification is treated the same as no token at all.
func Parse(token string, secret []byte) Claims {
	var claims Claims
	if token == "" {
		return claims
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}
	}
	return claims
}
