// Package credentials supplies the personal access token used for provider calls.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"pipescope/pkg/azdo"
)

const (
	EnvPAT          = "AZDO_PAT"
	envAgeSecretKey = "AGE_SECRET_KEY"
)

// Source yields a credential. Sources that have nothing to offer return
// azdo.ErrNoCredential.
type Source interface {
	Credential(ctx context.Context) (string, error)
}

// Static always returns the same credential.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", azdo.ErrNoCredential
	}
	return string(s), nil
}

// Env reads the credential from an environment variable.
type Env struct {
	Name   string
	Lookup func(string) (string, bool)
}

// NewEnv reads AZDO_PAT from the process environment.
func NewEnv() Env { return Env{Name: EnvPAT, Lookup: os.LookupEnv} }

func (e Env) Credential(context.Context) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(e.Name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", azdo.ErrNoCredential
	}
	return strings.TrimSpace(value), nil
}

// Chain tries each source in order and returns the first credential found.
type Chain []Source

func (c Chain) Credential(ctx context.Context) (string, error) {
	for _, src := range c {
		value, err := src.Credential(ctx)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, azdo.ErrNoCredential) {
			return "", err
		}
	}
	return "", azdo.ErrNoCredential
}

// AgeFile keeps the credential age-encrypted on disk.
type AgeFile struct {
	path      string
	identity  age.Identity
	recipient age.Recipient
}

// NewAgeFile opens an encrypted credential file. An X25519 secret key takes
// precedence over a passphrase.
func NewAgeFile(path, secretKey, passphrase string) (*AgeFile, error) {
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	secretKey = strings.TrimSpace(secretKey)
	switch {
	case secretKey != "":
		identity, err := age.ParseX25519Identity(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		return &AgeFile{path: path, identity: identity, recipient: identity.Recipient()}, nil
	case passphrase != "":
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("scrypt identity: %w", err)
		}
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("scrypt recipient: %w", err)
		}
		return &AgeFile{path: path, identity: identity, recipient: recipient}, nil
	default:
		return nil, fmt.Errorf("%s or a passphrase is required to use %s", envAgeSecretKey, path)
	}
}

// DefaultPath returns the per-user location of the credential file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "pipescope", "credential.age"), nil
}

func (a *AgeFile) Credential(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", azdo.ErrNoCredential
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), a.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt credential file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt credential file: %w", err)
	}
	value := strings.TrimSpace(string(plain))
	if value == "" {
		return "", azdo.ErrNoCredential
	}
	return value, nil
}

// Store encrypts credential and replaces the file.
func (a *AgeFile) Store(ctx context.Context, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errors.New("credential is empty")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if _, err := io.WriteString(w, credential); err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
