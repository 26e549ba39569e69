// Package token generates relay auth secrets and signed development tokens.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds configuration for secret and token generation.
type Config struct {
	// Bytes sizes the generated HMAC secret.
	Bytes int
	// Secret, when set with Subject, signs a token instead of generating
	// a secret.
	Secret  string
	Subject string
	Name    string
	TTL     time.Duration
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, TTL: 24 * time.Hour}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random secret bytes")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "hex HMAC secret used to sign a token")
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "identity id to sign a token for")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name claim for the signed token")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "signed token lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a secret, or signs a token when a subject is given, and
// writes the result to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if strings.TrimSpace(cfg.Subject) != "" {
		return signToken(cfg, out)
	}
	return generateSecret(cfg, out, reader)
}

func generateSecret(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "CHATRELAY_AUTH_HMAC_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}

func signToken(cfg Config, out io.Writer) error {
	// The relay reads the secret verbatim from the environment, so the
	// token is signed over the same raw bytes.
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return errors.New("secret is required to sign a token")
	}
	if cfg.TTL <= 0 {
		return errors.New("ttl must be greater than zero")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strings.TrimSpace(cfg.Subject),
		"iat": now.Unix(),
		"exp": now.Add(cfg.TTL).Unix(),
	}
	if name := strings.TrimSpace(cfg.Name); name != "" {
		claims["name"] = name
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}
