package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrSecretNotFound is returned by a SecretSource that has no value for a ref.
var ErrSecretNotFound = errors.New("secret not found")

const base64SecretPrefix = "base64:"

// SecretSource resolves secret references from key configurations to raw
// key material. Returned slices are owned by the caller, who must wipe them.
type SecretSource interface {
	Secret(ctx context.Context, ref string) ([]byte, error)
}

// MapSecrets serves secrets from memory.
type MapSecrets map[string][]byte

// Secret implements SecretSource.
func (m MapSecrets) Secret(_ context.Context, ref string) ([]byte, error) {
	v, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return append([]byte(nil), v...), nil
}

// EnvSecrets reads secrets from environment variables named Prefix followed
// by the ref upper-cased, with every non-alphanumeric rune replaced by '_'.
// Values starting with "base64:" are decoded.
type EnvSecrets struct {
	Prefix string
}

// Secret implements SecretSource.
func (e EnvSecrets) Secret(_ context.Context, ref string) ([]byte, error) {
	name := e.Prefix + envName(ref)
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, ref, name)
	}
	return decodeSecret([]byte(v))
}

func envName(ref string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, ref)
}

// DirSecrets reads each secret from a file named after its ref, as with
// mounted Kubernetes or Docker secrets.
type DirSecrets struct {
	Dir string
}

// Secret implements SecretSource.
func (d DirSecrets) Secret(_ context.Context, ref string) ([]byte, error) {
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." {
		return nil, fmt.Errorf("invalid secret reference %q", ref)
	}
	raw, err := os.ReadFile(filepath.Join(d.Dir, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", ref, err)
	}
	return decodeSecret(raw)
}

// ChainSecrets tries each source in order and returns the first hit.
type ChainSecrets []SecretSource

// Secret implements SecretSource.
func (c ChainSecrets) Secret(ctx context.Context, ref string) ([]byte, error) {
	for _, src := range c {
		v, err := src.Secret(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
}

// decodeSecret takes ownership of raw.
func decodeSecret(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte(base64SecretPrefix)) {
		return raw, nil
	}
	defer wipe(raw)
	enc := trimmed[len(base64SecretPrefix):]
	out := make([]byte, base64.StdEncoding.DecodedLen(len(enc)))
	n, err := base64.StdEncoding.Decode(out, enc)
	if err != nil {
		wipe(out)
		return nil, fmt.Errorf("invalid base64 secret: %w", err)
	}
	return out[:n], nil
}
