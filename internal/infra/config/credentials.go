package config

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// envVarForProviderType maps a provider type to the conventional
// environment variable a user would already have set for that vendor's
// other tooling. Bedrock is deliberately absent: the AWS SDK resolves its
// own credential chain (env/shared config/IMDS) and never goes through
// this path.
var envVarForProviderType = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

const appName = "alfredai"

// resolveCredentials fills in ProviderConfig.APIKey for every configured
// provider by trying, in order: (1) the provider's conventional env var,
// (2) a sealed credential file under the platform config directory, (3)
// leaving it empty (a ConfigError surfaces later if the provider type
// requires one and validation hasn't already caught it).
func resolveCredentials(cfg *Config) error {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if envVar, ok := envVarForProviderType[p.Type]; ok {
			if v := os.Getenv(envVar); v != "" {
				p.APIKey = v
				continue
			}
		}
		key, err := readCredentialFile(p.Name)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
		p.APIKey = key
	}
	return nil
}

// credentialDir returns $XDG_CONFIG_HOME/<app>/credentials, falling back to
// ~/.config/<app>/credentials when XDG_CONFIG_HOME is unset.
func credentialDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName, "credentials"), nil
}

// readCredentialFile reads and unseals <credentialDir>/<provider>.key. A
// missing file is not an error: it means no credential is configured for
// that provider, which Validate (or the provider driver itself) may or may
// not require.
func readCredentialFile(provider string) (string, error) {
	dir, err := credentialDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, provider+".key")

	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}

	passphrase := os.Getenv("ALFREDAI_ENCRYPTION_KEY")
	if passphrase == "" {
		return "", fmt.Errorf("credential file %s exists but ALFREDAI_ENCRYPTION_KEY is not set", path)
	}
	return unsealCredential(sealed, passphrase)
}

// WriteCredentialFile seals value under the credential directory for
// provider, creating owner-only (0600) files and directories. Used by the
// onboarding flow (out of scope, §1) and by tests.
func WriteCredentialFile(provider, value, passphrase string) error {
	dir, err := credentialDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	sealed, err := sealCredential(value, passphrase)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, provider+".key")
	return os.WriteFile(path, sealed, 0o600)
}

// sealCredential encrypts plaintext with ChaCha20-Poly1305 under a key
// derived from passphrase, prefixing the output with the random salt and
// nonce needed to reverse it.
func sealCredential(plaintext, passphrase string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveCredentialKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func unsealCredential(sealed []byte, passphrase string) (string, error) {
	const saltSize = 16
	if len(sealed) < saltSize+chacha20poly1305.NonceSize {
		return "", fmt.Errorf("sealed credential too short")
	}

	salt := sealed[:saltSize]
	rest := sealed[saltSize:]
	nonce := rest[:chacha20poly1305.NonceSize]
	ciphertext := rest[chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(deriveCredentialKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// deriveCredentialKey derives a 32-byte ChaCha20-Poly1305 key from a
// passphrase and salt. A plain SHA-256 is sufficient here because the
// passphrase is itself a high-entropy secret (an env var set by the
// operator), not a user-chosen password subject to brute-force guessing.
func deriveCredentialKey(passphrase string, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(passphrase))
	return h.Sum(nil)
}
