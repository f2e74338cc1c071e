package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// PasswordEnv holds an optional passphrase for the credential file. When it
// is unset a generated X25519 key next to the store is used instead.
const PasswordEnv = "CLOUDCTL_CREDENTIALS_PASSWORD"

// ErrNotLoggedIn is returned when no credentials are available from the
// environment or the local store
var ErrNotLoggedIn = errors.New("not logged in, run 'cloudctl login' first")

const armorHeader = "-----BEGIN AGE ENCRYPTED FILE-----"

// Credentials are the API key pair used to sign management API calls
type Credentials struct {
	SecretID  string `json:"secretId"`
	SecretKey string `json:"secretKey"`
	Token     string `json:"token,omitempty"`
}

// Masked returns the SecretID with everything but the edges hidden
func (c Credentials) Masked() string {
	id := c.SecretID
	if len(id) <= 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + strings.Repeat("*", len(id)-8) + id[len(id)-4:]
}

// Store persists credentials as an age-encrypted JSON document
type Store struct {
	Path string
}

// DefaultStore returns the store under the user config directory
func DefaultStore() (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate config directory: %w", err)
	}
	return &Store{Path: filepath.Join(dir, "cloudctl", "credentials.age")}, nil
}

func (s *Store) keyPath() string {
	return filepath.Join(filepath.Dir(s.Path), "key.txt")
}

// Save encrypts and writes creds, replacing any previous file
func (s *Store) Save(creds Credentials) error {
	if creds.SecretID == "" || creds.SecretKey == "" {
		return errors.New("secret id and secret key are required")
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	recipient, err := s.recipient()
	if err != nil {
		return err
	}
	return s.write(creds, recipient)
}

func (s *Store) write(creds Credentials, recipient age.Recipient) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	var buf bytes.Buffer
	armorWriter := armor.NewWriter(&buf)
	w, err := age.Encrypt(armorWriter, recipient)
	if err != nil {
		return fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize armor: %w", err)
	}

	return writeAtomic(s.Path, buf.Bytes())
}

// writeAtomic replaces path so a crash never leaves a truncated file
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}

// Load decrypts the stored credentials. A missing file yields ErrNotLoggedIn.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	identity, err := s.identity()
	if err != nil {
		return nil, err
	}
	return decrypt(data, identity)
}

func decrypt(data []byte, identity age.Identity) (*Credentials, error) {
	// Check if the data is armored (ASCII format)
	var ageReader io.Reader
	if bytes.HasPrefix(data, []byte(armorHeader)) {
		ageReader = armor.NewReader(bytes.NewReader(data))
	} else {
		ageReader = bytes.NewReader(data)
	}

	reader, err := age.Decrypt(ageReader, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if creds.SecretID == "" || creds.SecretKey == "" {
		return nil, ErrNotLoggedIn
	}

	return &creds, nil
}

// Remove deletes the stored credentials. Removing a missing store is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// Resolve prefers CLOUDCTL_SECRET_ID / CLOUDCTL_SECRET_KEY (and
// CLOUDCTL_SESSION_TOKEN) over the store. The second value names the source.
func (s *Store) Resolve() (*Credentials, string, error) {
	id := os.Getenv("CLOUDCTL_SECRET_ID")
	key := os.Getenv("CLOUDCTL_SECRET_KEY")
	if id != "" && key != "" {
		return &Credentials{
			SecretID:  id,
			SecretKey: key,
			Token:     os.Getenv("CLOUDCTL_SESSION_TOKEN"),
		}, "env", nil
	}

	creds, err := s.Load()
	if err != nil {
		return nil, "", err
	}
	return creds, s.Path, nil
}

func (s *Store) recipient() (age.Recipient, error) {
	if password := os.Getenv(PasswordEnv); password != "" {
		r, err := age.NewScryptRecipient(password)
		if err != nil {
			return nil, fmt.Errorf("failed to create age recipient: %w", err)
		}
		return r, nil
	}

	identity, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	return identity.Recipient(), nil
}

func (s *Store) identity() (age.Identity, error) {
	return s.identityFor(os.Getenv(PasswordEnv))
}

// identityFor opens the store with password, or with the key file when
// password is empty
func (s *Store) identityFor(password string) (age.Identity, error) {
	if password != "" {
		id, err := age.NewScryptIdentity(password)
		if err != nil {
			return nil, fmt.Errorf("failed to create age identity: %w", err)
		}
		return id, nil
	}

	data, err := os.ReadFile(s.keyPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("credentials are password protected, set %s", PasswordEnv)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return id, nil
}

func (s *Store) loadOrCreateKey() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.keyPath())
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(s.keyPath(), []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return id, nil
}
