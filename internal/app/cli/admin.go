package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"cloudctl/internal/app/server"
	"cloudctl/internal/config"
	"cloudctl/internal/features/rbac"
	"cloudctl/internal/gateway"
)

// jobPollInterval is how often admin call checks a submitted job
var jobPollInterval = 200 * time.Millisecond

var adminCmd = &cli.Command{
	Name:  "admin",
	Usage: "Run and call the admin backend",
	Description: `The admin backend serves the functions the dashboard calls:

   rbac      users, roles, invites and role approvals
   audit     the audit log
   jobs      user import and users/roles/audit export
   settings  admin settings

Every request is {"action": "...", "data": {...}} posted to
/api/functions/<function>; every response is {code, message, data, requestId}.`,
	Subcommands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "Start the admin HTTP server",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "host", Usage: "Host to bind to (default from [admin] or localhost)"},
				&cli.StringFlag{Name: "port", Usage: "Port to listen on (default from [admin] or 8080)"},
				&cli.StringFlag{Name: "db", Usage: "SQLite database path"},
				&cli.StringFlag{Name: "export-dir", Usage: "Directory export artifacts are written to"},
				&cli.IntFlag{Name: "workers", Usage: "Import/export workers"},
				&cli.StringFlag{
					Name:    "token-hash",
					Usage:   "bcrypt hash of the bearer token (see admin hash-token)",
					EnvVars: []string{"CLOUDCTL_ADMIN_TOKEN_HASH"},
				},
			},
			Action: runAdminServe,
		},
		{
			Name:      "call",
			Usage:     "Call one gateway function action",
			ArgsUsage: "<function> <action>",
			Description: `Dispatch a request against the local admin database, or against a running
server with --server. Import and export jobs are followed until they finish;
against a server, --no-wait returns as soon as the job is queued.

   cloudctl admin call --data '{"page":1,"pageSize":20}' rbac listUsers
   cloudctl admin call --file users.csv jobs import
   cloudctl admin call --stdio < requests.jsonl

With --stdio one request per line is read from stdin, each carrying its own
"function" field, and one response line is written per request.`,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "data", Usage: "JSON payload of the action"},
				&cli.StringFlag{Name: "file", Usage: "Import file (csv, json or yaml) for jobs import"},
				&cli.StringFlag{Name: "actor", Value: gateway.DefaultActor, Usage: "User the call is made as"},
				&cli.BoolFlag{Name: "stdio", Usage: "Read line delimited requests from stdin"},
				&cli.BoolFlag{Name: "no-wait", Usage: "Do not wait for submitted jobs (requires --server)"},
				&cli.StringFlag{
					Name:    "server",
					Usage:   "Base URL of a running admin server",
					EnvVars: []string{"CLOUDCTL_ADMIN_URL"},
				},
				&cli.StringFlag{
					Name:    "token",
					Usage:   "Bearer token for --server",
					EnvVars: []string{"CLOUDCTL_ADMIN_TOKEN"},
				},
			},
			Action: runAdminCall,
		},
		{
			Name:  "hash-token",
			Usage: "Print the bcrypt hash of an admin bearer token",
			Description: `Put the printed hash in [admin] token_hash or CLOUDCTL_ADMIN_TOKEN_HASH;
clients then send "Authorization: Bearer <token>".`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "token",
					Usage:   "Token to hash",
					EnvVars: []string{"CLOUDCTL_ADMIN_TOKEN"},
				},
			},
			Action: func(c *cli.Context) error {
				s := sessionFrom(c)
				token := c.String("token")
				if token == "" {
					var err error
					if token, err = s.prompt.Password("Token"); err != nil {
						return missing(err, "token")
					}
				}
				if len(token) < 8 {
					return errors.New("token must be at least 8 characters")
				}
				hash, err := gateway.HashToken(token)
				if err != nil {
					return err
				}
				fmt.Fprintln(s.out, hash)
				return nil
			},
		},
	},
}

// adminConfig applies serve flags over the [admin] section
func adminConfig(c *cli.Context, cfg config.Admin) config.Admin {
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.String("port")
	}
	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.IsSet("export-dir") {
		cfg.ExportDir = c.String("export-dir")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if v := c.String("token-hash"); v != "" {
		cfg.TokenHash = v
	}
	return cfg
}

func runAdminServe(c *cli.Context) error {
	s := sessionFrom(c)
	cfg := adminConfig(c, s.cfg.Admin)

	// Create a context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	admin, err := server.OpenAdmin(ctx, cfg, s.cfg.Dir())
	if err != nil {
		return err
	}

	return server.Serve(ctx, server.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		TokenHash: cfg.TokenHash,
		Version:   c.App.Version,
	}, admin)
}

// caller sends one request and can look up jobs on the same backend
type caller interface {
	call(ctx context.Context, function string, req gateway.Request) (*gateway.Response, error)
	job(ctx context.Context, id string) (*rbac.Job, error)
}

type localCaller struct {
	admin *server.Admin
	actor string
}

func (l *localCaller) call(ctx context.Context, function string, req gateway.Request) (*gateway.Response, error) {
	resp := l.admin.Gateway.Dispatch(ctx, function, l.actor, req)
	return &resp, nil
}

func (l *localCaller) job(ctx context.Context, id string) (*rbac.Job, error) {
	return l.admin.Store.GetJob(ctx, id)
}

type remoteCaller struct {
	client *gateway.Client
}

func (r *remoteCaller) call(ctx context.Context, function string, req gateway.Request) (*gateway.Response, error) {
	return r.client.Call(ctx, function, req)
}

func (r *remoteCaller) job(ctx context.Context, id string) (*rbac.Job, error) {
	data, _ := json.Marshal(map[string]string{"id": id})
	resp, err := r.client.Call(ctx, "jobs", gateway.Request{Action: "get", Data: data})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s: %s", resp.Code, resp.Message)
	}
	return decodeJob(resp.Data)
}

func decodeJob(data any) (*rbac.Job, error) {
	if job, ok := data.(*rbac.Job); ok {
		return job, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var job rbac.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// importPayload builds the jobs import payload from a file
func importPayload(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "yml" {
		format = rbac.FormatYAML
	}
	payload, err := json.Marshal(rbac.ImportInput{Format: format, Data: string(data)})
	return json.RawMessage(payload), err
}

func runAdminCall(c *cli.Context) error {
	s := sessionFrom(c)
	actor := c.String("actor")

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	var backend caller
	if url := c.String("server"); url != "" {
		if c.Bool("stdio") {
			return errors.New("--stdio runs against the local database, drop --server")
		}
		backend = &remoteCaller{client: &gateway.Client{BaseURL: url, Token: c.String("token"), Actor: actor}}
	} else {
		if c.Bool("no-wait") {
			return errors.New("--no-wait needs --server: jobs submitted in process stop when it exits")
		}
		admin, err := server.OpenAdmin(ctx, s.cfg.Admin, s.cfg.Dir())
		if err != nil {
			return err
		}
		if err := admin.Start(ctx); err != nil {
			admin.Store.Close()
			return err
		}
		defer func() {
			cancel()
			admin.Close()
		}()

		if c.Bool("stdio") {
			return admin.Gateway.Serve(ctx, c.App.Reader, s.out, actor)
		}
		backend = &localCaller{admin: admin, actor: actor}
	}

	if c.NArg() < 2 {
		return errors.New("function and action are required")
	}
	function, action := c.Args().Get(0), c.Args().Get(1)

	req := gateway.Request{Action: action}
	switch {
	case c.IsSet("file"):
		if function != "jobs" || action != "import" {
			return errors.New("--file only applies to jobs import")
		}
		data, err := importPayload(c.String("file"))
		if err != nil {
			return err
		}
		req.Data = data
	case c.IsSet("data"):
		if !json.Valid([]byte(c.String("data"))) {
			return errors.New("--data is not valid JSON")
		}
		req.Data = json.RawMessage(c.String("data"))
	}

	resp, err := backend.call(ctx, function, req)
	if err != nil {
		return err
	}

	if resp.OK() && function == "jobs" && (action == "import" || action == "export") && !c.Bool("no-wait") {
		job, err := decodeJob(resp.Data)
		if err != nil {
			return err
		}
		s.step("job "+job.ID, job.Status)
		if job, err = waitJob(ctx, backend, job.ID); err != nil {
			return err
		}
		resp.Data = job
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(out))

	if !resp.OK() {
		return fmt.Errorf("%s: %s", resp.Code, resp.Message)
	}
	if job, ok := resp.Data.(*rbac.Job); ok && job.Status == rbac.JobFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}

// waitJob polls a job until it succeeds or fails
func waitJob(ctx context.Context, backend caller, id string) (*rbac.Job, error) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		job, err := backend.job(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to check job %s: %w", id, err)
		}
		if job.Status == rbac.JobSucceeded || job.Status == rbac.JobFailed {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
