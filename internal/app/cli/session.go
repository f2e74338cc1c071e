package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/credentials"
	"cloudctl/internal/logging"
	"cloudctl/internal/prompt"
	"cloudctl/internal/storage"
)

const sessionKey = "session"

// session is what every command shares once the global flags are parsed
type session struct {
	cfg    *config.Config
	prompt *prompt.Prompter
	out    io.Writer
	ascii  bool
}

func sessionFrom(c *cli.Context) *session {
	return c.App.Metadata[sessionKey].(*session)
}

// value resolves a parameter from its flag, CLOUDCTL_<NAME> or the config
// file and prompts for it as a last resort
func (s *session) value(c *cli.Context, param, label, configValue string) (string, error) {
	v, source := config.Resolve(param, c.String(param), configValue)
	if v != "" {
		logging.Out.WithField("source", string(source)).Debugf("%s=%s", param, v)
		return v, nil
	}
	v, err := s.prompt.Required(label)
	if errors.Is(err, prompt.ErrNonInteractive) {
		return "", prompt.Missing(param)
	}
	return v, err
}

func (s *session) envID(c *cli.Context) (string, error) {
	return s.value(c, "env-id", "Environment id", s.cfg.EnvID)
}

func (s *session) region(c *cli.Context) string {
	region, _ := config.Resolve("region", c.String("region"), s.cfg.Region)
	return region
}

// credentials resolves the login, failing with ErrNotLoggedIn when there is none
func (s *session) credentials() (*credentials.Credentials, error) {
	store, err := credentials.DefaultStore()
	if err != nil {
		return nil, err
	}
	creds, source, err := store.Resolve()
	if err != nil {
		return nil, err
	}
	logging.Out.WithField("source", source).Debug("using credentials")
	return creds, nil
}

// client builds a management API client behind the login gate
func (s *session) client(c *cli.Context) (*cloudapi.Client, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	return cloudapi.NewClient(s.cfg.Endpoint, s.region(c), *creds), nil
}

// remote is the common prelude of environment scoped commands
func (s *session) remote(c *cli.Context) (*cloudapi.Client, string, error) {
	client, err := s.client(c)
	if err != nil {
		return nil, "", err
	}
	envID, err := s.envID(c)
	if err != nil {
		return nil, "", err
	}
	return client, envID, nil
}

// bucket opens the [storage] bucket, or returns nil when none is configured
func (s *session) bucket(ctx context.Context, creds *credentials.Credentials) (*storage.S3Store, error) {
	st := s.cfg.Storage
	if st.Bucket == "" {
		return nil, nil
	}
	region := st.Region
	if region == "" {
		region = s.cfg.Region
	}
	bucket, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    st.Bucket,
		Region:    region,
		Endpoint:  st.Endpoint,
		Prefix:    st.Prefix,
		AccessKey: creds.SecretID,
		SecretKey: creds.SecretKey,
		Token:     creds.Token,
		PathStyle: st.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", st.Bucket, err)
	}
	return bucket, nil
}

// confirm asks before a destructive action; a "no" aborts the command
func (s *session) confirm(format string, args ...any) error {
	ok, err := s.prompt.Confirm(fmt.Sprintf(format, args...))
	if err != nil {
		return err
	}
	if !ok {
		return errAborted
	}
	return nil
}

// pick returns the named entry or asks which one to use
func (s *session) pick(label string, args []string, options []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if len(options) == 0 {
		return "", fmt.Errorf("nothing to choose from for %s", label)
	}
	if len(options) == 1 {
		return options[0], nil
	}
	choice, err := s.prompt.Select(label, options)
	if errors.Is(err, prompt.ErrNonInteractive) {
		return "", fmt.Errorf("%w: name one of %v", prompt.ErrNonInteractive, options)
	}
	return choice, err
}
