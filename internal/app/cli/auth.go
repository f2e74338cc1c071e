package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/credentials"
	"cloudctl/internal/prompt"
)

var loginCmd = &cli.Command{
	Name:  "login",
	Usage: "Store API credentials after verifying them",
	Description: `Ask for a SecretId and SecretKey, check them against the management API
and store them encrypted with age.

The store is protected by CLOUDCTL_CREDENTIALS_PASSWORD when set, otherwise
by a key file kept next to it.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "secret-id",
			Usage:   "API SecretId",
			EnvVars: []string{"CLOUDCTL_SECRET_ID"},
		},
		&cli.StringFlag{
			Name:    "secret-key",
			Usage:   "API SecretKey",
			EnvVars: []string{"CLOUDCTL_SECRET_KEY"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Session token for temporary credentials",
			EnvVars: []string{"CLOUDCTL_SESSION_TOKEN"},
		},
	},
	Action: runLogin,
}

func runLogin(c *cli.Context) error {
	s := sessionFrom(c)

	creds := credentials.Credentials{
		SecretID:  c.String("secret-id"),
		SecretKey: c.String("secret-key"),
		Token:     c.String("token"),
	}
	var err error
	if creds.SecretID == "" {
		if creds.SecretID, err = s.prompt.Required("SecretId"); err != nil {
			return missing(err, "secret-id")
		}
	}
	if creds.SecretKey == "" {
		if creds.SecretKey, err = s.prompt.Password("SecretKey"); err != nil {
			return missing(err, "secret-key")
		}
		if creds.SecretKey == "" {
			return errors.New("SecretKey must not be empty")
		}
	}

	client := cloudapi.NewClient(s.cfg.Endpoint, s.region(c), creds)
	envs, err := client.DescribeEnvs(c.Context)
	if err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}

	store, err := credentials.DefaultStore()
	if err != nil {
		return err
	}
	if err := store.Save(creds); err != nil {
		return err
	}

	s.success("logged in as %s, %d environment(s) visible", creds.Masked(), len(envs))
	return nil
}

var logoutCmd = &cli.Command{
	Name:  "logout",
	Usage: "Remove stored credentials",
	Action: func(c *cli.Context) error {
		store, err := credentials.DefaultStore()
		if err != nil {
			return err
		}
		if err := store.Remove(); err != nil {
			return err
		}
		sessionFrom(c).success("logged out")
		return nil
	},
}

var whoamiCmd = &cli.Command{
	Name:  "whoami",
	Usage: "Show which credentials are in use",
	Action: func(c *cli.Context) error {
		store, err := credentials.DefaultStore()
		if err != nil {
			return err
		}
		creds, source, err := store.Resolve()
		if err != nil {
			return err
		}
		if source == "env" {
			source = "environment"
		}
		sessionFrom(c).summary("Credentials", [][2]string{
			{"SecretId", creds.Masked()},
			{"Source", source},
			{"Temporary", yesNo(creds.Token != "")},
		})
		return nil
	},
}

var rekeyCmd = &cli.Command{
	Name:  "rekey",
	Usage: "Re-encrypt stored credentials with a new secret",
	Description: `Decrypt the credential store with the current secret and encrypt it with
a new one.

The current secret is CLOUDCTL_CREDENTIALS_PASSWORD, or the key file when it
is unset. The new secret is CLOUDCTL_NEW_CREDENTIALS_PASSWORD, or a freshly
generated key file when it is unset. Afterwards set
CLOUDCTL_CREDENTIALS_PASSWORD to the new passphrase.`,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Only check that the current secret opens the store",
		},
		&cli.BoolFlag{
			Name:  "backup",
			Usage: "Keep the previous store and key file as .bak",
		},
	},
	Action: func(c *cli.Context) error {
		s := sessionFrom(c)
		store, err := credentials.DefaultStore()
		if err != nil {
			return err
		}

		result, err := store.Rotate(credentials.RotateOptions{
			OldPassword: os.Getenv(credentials.PasswordEnv),
			NewPassword: os.Getenv(credentials.NewPasswordEnv),
			DryRun:      c.Bool("dry-run"),
			Backup:      c.Bool("backup"),
		})
		if err != nil {
			return err
		}

		if c.Bool("dry-run") {
			s.success("current secret opens the store for %s", result.SecretID)
			return nil
		}
		s.success("credentials for %s re-encrypted", result.SecretID)
		if result.KeyFile != "" {
			s.step("new key file", result.KeyFile)
		}
		if result.Backup != "" {
			s.step("backup", result.Backup)
		}
		return nil
	},
}

// missing turns a non-interactive prompt failure into an error naming the flag
func missing(err error, flag string) error {
	if errors.Is(err, prompt.ErrNonInteractive) {
		return prompt.Missing(flag)
	}
	return err
}
