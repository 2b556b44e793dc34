package dockyard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/dockyard/dockyard/config"
	"tangled.sh/tangled.sh/dockyard/dockyard/db"
	"tangled.sh/tangled.sh/dockyard/dockyard/secrets"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

const envHelp = `
Environment variables:
	DOCKYARD_SERVER_LISTEN_ADDR            (default: 0.0.0.0:6560)
	DOCKYARD_SERVER_DB_PATH                (default: dockyard.db)
	DOCKYARD_SERVER_DEV                    (default: false)
	DOCKYARD_SECRETS_PROVIDER              (sqlite or openbao, default: sqlite)
	DOCKYARD_SECRETS_OPENBAO_ADDR
	DOCKYARD_SECRETS_OPENBAO_ROLE_ID
	DOCKYARD_SECRETS_OPENBAO_SECRET_ID
	DOCKYARD_SECRETS_OPENBAO_MOUNT         (default: dockyard)
	DOCKYARD_PIPELINES_JOBS_DIR            (default: .dockyard/jobs)
	DOCKYARD_PIPELINES_WORKSPACE           (default: .)
	DOCKYARD_PIPELINES_LOG_DIR             (default: /var/log/dockyard)
	DOCKYARD_PIPELINES_SCRIPT_RUNNER       (docker or local, default: docker)
	DOCKYARD_PIPELINES_SCRIPT_IMAGE        (default: docker.io/library/bash:5)
	DOCKYARD_PIPELINES_JOB_TIMEOUT         (default: 0, no timeout)
	DOCKYARD_PIPELINES_PUSH_ATTEMPTS       (default: 1)
	DOCKYARD_PIPELINES_VERIFY_PUSH         (default: true)
	DOCKYARD_PIPELINES_INSECURE_REGISTRIES (comma-separated list)
	DOCKYARD_PIPELINES_KEEP_IMAGES         (default: false)
	DOCKYARD_PIPELINES_QUEUE_SIZE          (default: 100)
	DOCKYARD_PIPELINES_WORKERS             (default: 2)
`

// Commands returns every dockyard subcommand.
func Commands() []*cli.Command {
	return []*cli.Command{
		ServeCommand(),
		RunCommand(),
		JobsCommand(),
		ValidateCommand(),
		RunsCommand(),
		LoginCommand(),
		LogoutCommand(),
		RegistriesCommand(),
	}
}

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "run the dockyard server",
		Description: envHelp,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
	}
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run jobs now and wait for them to finish",
		ArgsUsage: "<job>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "actor",
				Usage: "who is starting the runs",
			},
		},
		Action: runJobs,
	}
}

func runJobs(ctx context.Context, cmd *cli.Command) error {
	names := cmd.Args().Slice()
	if len(names) == 0 {
		return errors.New("no job given")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, cleanup, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// every name must resolve before anything runs
	jobs := make([]workflow.Job, 0, len(names))
	for _, name := range names {
		job, err := s.store.GetJob(name)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	trigger := workflow.ManualTrigger(cmd.String("actor"))
	out := &syncWriter{w: cmd.Root().Writer}

	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			rid, err := s.RunNow(ctx, job, trigger)
			if err != nil {
				fmt.Fprintf(out, "%s\t%s\tfailed: %v\n", job.Name, rid.Id, err)
				return fmt.Errorf("job %s: %w", job.Name, err)
			}
			fmt.Fprintf(out, "%s\t%s\tsuccess\n", job.Name, rid.Id)
			return nil
		})
	}

	return g.Wait()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func JobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "list the defined jobs",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, _, err := workflow.Load(cfg.Pipelines.JobsDir)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRIGGER\tSTEPS\tSOURCE")
			for _, j := range store.Jobs() {
				trigger := "manual"
				if j.AutoTriggered() {
					trigger = "push"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", j.Name, trigger, len(j.Steps), j.Source)
			}
			return tw.Flush()
		},
	}
}

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the job definitions and print diagnostics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := cmd.Root().Writer
			store, diags, err := workflow.Load(cfg.Pipelines.JobsDir)
			for _, e := range diags.Errors {
				fmt.Fprintln(w, e.String())
			}
			for _, warn := range diags.Warnings {
				fmt.Fprintln(w, warn.String())
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "%d jobs ok\n", len(store.Names()))
			return nil
		},
	}
}

func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recent runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "job",
				Usage: "only list runs of this job",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "how many runs to list",
				Value: 20,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			d, err := db.Make(cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("failed to setup db: %w", err)
			}
			defer d.Close()

			runs, err := d.ListRuns(cmd.String("job"), int(cmd.Int("limit")))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Id, r.Job, r.Status, humanize.Time(r.CreatedAt), duration(r), r.Error)
			}
			return tw.Flush()
		},
	}
}

func duration(r db.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.CreatedAt).Round(time.Millisecond).String()
}

func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "store credentials for a registry",
		ArgsUsage: "<registry>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "password-stdin",
				Usage: "read the password from stdin",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			host := cmd.Args().First()
			if host == "" {
				return errors.New("no registry given")
			}
			if !cmd.Bool("password-stdin") {
				return errors.New("--password-stdin is required")
			}

			raw, err := io.ReadAll(cmd.Root().Reader)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			password := strings.TrimRight(string(raw), "\r\n")
			if password == "" {
				return errors.New("empty password")
			}

			sm, err := loadSecrets(ctx)
			if err != nil {
				return err
			}
			defer closeSecrets(sm)

			err = sm.PutCredential(ctx, secrets.Credential{
				Registry: host,
				Username: cmd.String("username"),
				Password: password,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.Root().Writer, "logged in to %s\n", host)
			return nil
		},
	}
}

func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "logout",
		Usage:     "remove the credentials of a registry",
		ArgsUsage: "<registry>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			host := cmd.Args().First()
			if host == "" {
				return errors.New("no registry given")
			}

			sm, err := loadSecrets(ctx)
			if err != nil {
				return err
			}
			defer closeSecrets(sm)

			if err := sm.RemoveCredential(ctx, host); err != nil {
				return err
			}

			fmt.Fprintf(cmd.Root().Writer, "logged out of %s\n", host)
			return nil
		},
	}
}

func RegistriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "registries",
		Usage: "list registries with stored credentials",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sm, err := loadSecrets(ctx)
			if err != nil {
				return err
			}
			defer closeSecrets(sm)

			creds, err := sm.ListCredentials(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REGISTRY\tUSERNAME\tSTORED")
			for _, c := range creds {
				c = c.Redacted()
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Registry, c.Username, humanize.Time(c.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func loadSecrets(ctx context.Context) (secrets.Manager, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newSecretsManager(ctx, cfg)
}
