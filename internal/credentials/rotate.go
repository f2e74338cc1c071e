package credentials

import (
	"errors"
	"fmt"
	"os"

	"filippo.io/age"
)

// NewPasswordEnv holds the passphrase Rotate switches to
const NewPasswordEnv = "CLOUDCTL_NEW_CREDENTIALS_PASSWORD"

// RotateOptions defines how the store is re-encrypted
type RotateOptions struct {
	// OldPassword opens the store; empty means the key file
	OldPassword string
	// NewPassword protects the store afterwards; empty means a freshly
	// generated key file
	NewPassword string

	DryRun bool
	Backup bool
}

// RotateResult reports what Rotate did
type RotateResult struct {
	SecretID string
	Backup   string
	KeyFile  string
}

// Rotate decrypts the store with the old secret and encrypts it again with
// the new one. With DryRun only the decryption is checked.
func (s *Store) Rotate(opts RotateOptions) (*RotateResult, error) {
	if opts.NewPassword != "" && opts.OldPassword == opts.NewPassword {
		return nil, errors.New("old and new passwords cannot be the same")
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	identity, err := s.identityFor(opts.OldPassword)
	if err != nil {
		return nil, err
	}
	creds, err := decrypt(data, identity)
	if err != nil {
		return nil, fmt.Errorf("current secret does not open the store: %w", err)
	}

	result := &RotateResult{SecretID: creds.Masked()}
	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		result.Backup = s.Path + ".bak"
		if err := writeAtomic(result.Backup, data); err != nil {
			return nil, err
		}
	}

	var recipient age.Recipient
	var newKey *age.X25519Identity
	if opts.NewPassword != "" {
		if recipient, err = age.NewScryptRecipient(opts.NewPassword); err != nil {
			return nil, fmt.Errorf("failed to create age recipient: %w", err)
		}
	} else {
		if newKey, err = age.GenerateX25519Identity(); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		recipient = newKey.Recipient()
	}

	if newKey != nil && opts.Backup {
		if old, err := os.ReadFile(s.keyPath()); err == nil {
			if err := writeAtomic(s.keyPath()+".bak", old); err != nil {
				return nil, err
			}
		}
	}

	// the new key is staged before the store is encrypted to it
	staged := s.keyPath() + ".new"
	if newKey != nil {
		if err := os.WriteFile(staged, []byte(newKey.String()+"\n"), 0o600); err != nil {
			os.Remove(staged)
			return nil, fmt.Errorf("failed to stage new key: %w", err)
		}
	}

	if err := s.write(*creds, recipient); err != nil {
		if newKey != nil {
			os.Remove(staged)
		}
		return nil, err
	}
	if newKey != nil {
		if err := os.Rename(staged, s.keyPath()); err != nil {
			if restoreErr := writeAtomic(s.Path, data); restoreErr != nil {
				return nil, fmt.Errorf("failed to install new key, store is encrypted to %s: %w", staged, err)
			}
			os.Remove(staged)
			return nil, fmt.Errorf("failed to install new key: %w", err)
		}
		result.KeyFile = s.keyPath()
	}
	return result, nil
}
