package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// ageHeader prefixes every binary age file.
var ageHeader = []byte("age-encryption.org/v1")

// Sealer encrypts persisted job documents.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// AgeSealer seals documents to the recipient of an X25519 identity.
type AgeSealer struct {
	identities []age.Identity
	recipient  age.Recipient
}

// NewAgeSealer builds a sealer from an identity.
func NewAgeSealer(identity *age.X25519Identity) *AgeSealer {
	return &AgeSealer{identities: []age.Identity{identity}, recipient: identity.Recipient()}
}

// LoadAgeSealer reads an age identity file. The first X25519 identity seals;
// every identity in the file can open.
func LoadAgeSealer(path string) (*AgeSealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age identity %s: %w", path, err)
	}
	identities, err := parseAgeIdentities(data)
	if err != nil {
		return nil, err
	}
	return &AgeSealer{identities: identities, recipient: identities[0].(*age.X25519Identity).Recipient()}, nil
}

// EnsureAgeIdentity creates an identity file at path if none exists.
func EnsureAgeIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat age identity %s: %w", path, err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create age identity dir: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age identity %s: %w", path, err)
	}
	return nil
}

func (s *AgeSealer) Seal(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *AgeSealer) Open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether data is an age file.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, ageHeader)
}

func seal(s Sealer, plain []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	return s.Seal(plain)
}

// unseal opens sealed data. Plain documents are accepted so a store can be
// switched to sealing without a migration step.
func unseal(s Sealer, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if s == nil {
		return nil, errors.New("job document is sealed but no age identity is configured")
	}
	return s.Open(data)
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
