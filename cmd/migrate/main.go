package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/migrate"
)

type options struct {
	dir     string
	name    string
	version string
}

// source is the migration set a command operates on: the embedded copy unless
// -dir points somewhere else.
func (o options) source() fs.FS {
	if o.dir == "" {
		return migrate.Migrations()
	}
	return os.DirFS(o.dir)
}

type command struct {
	needsDB bool
	run     func(ctx context.Context, runner *migrate.Runner, opts options) error
}

var commands = map[string]command{
	"create": {run: func(_ context.Context, _ *migrate.Runner, opts options) error {
		if opts.name == "" {
			return fmt.Errorf("missing -name for create")
		}
		dir := opts.dir
		if dir == "" {
			dir = migrate.SourceDir
		}
		path, err := migrate.CreateSQLMigration(dir, opts.name, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	}},
	"validate": {run: func(_ context.Context, _ *migrate.Runner, opts options) error {
		if err := migrate.Validate(opts.source()); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}},
	"up": {needsDB: true, run: func(ctx context.Context, runner *migrate.Runner, _ options) error {
		applied, err := runner.Up(ctx)
		fmt.Println("applied:", applied)
		return err
	}},
	"down": {needsDB: true, run: func(ctx context.Context, runner *migrate.Runner, _ options) error {
		version, err := runner.Down(ctx)
		if err == nil {
			fmt.Println("rolled back:", version)
		}
		return err
	}},
	"redo": {needsDB: true, run: func(ctx context.Context, runner *migrate.Runner, _ options) error {
		version, err := runner.Redo(ctx)
		if err == nil {
			fmt.Println("redone:", version)
		}
		return err
	}},
	"status": {needsDB: true, run: func(ctx context.Context, runner *migrate.Runner, _ options) error {
		statuses, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-16d %-10s %s\n", st.Source.Version, st.State, applied)
		}
		return nil
	}},
	"version": {needsDB: true, run: func(ctx context.Context, runner *migrate.Runner, opts options) error {
		if opts.version == "" {
			return fmt.Errorf("missing -version for version command")
		}
		moved, err := runner.To(ctx, opts.version)
		fmt.Println("migrated:", moved)
		return err
	}},
}

func main() {
	cmdName := flag.String("cmd", "up", "migration command: "+commandList())
	var opts options
	flag.StringVar(&opts.dir, "dir", "", "migrations directory (default: embedded set; create writes to "+migrate.SourceDir+")")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	cmd, ok := commands[*cmdName]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", *cmdName)
		os.Exit(2)
	}

	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	ctx := context.Background()
	var runner *migrate.Runner
	if cmd.needsDB {
		cfg, err := config.LoadMigration()
		requireResource(ctx, logg, "config", err)

		logg = logger.New(logger.Options{
			ServiceName: "migrate",
			Level:       logger.ParseLevel(cfg.LogLevel),
			WarnStack:   cfg.LogWarnStack,
		})
		ctx = logg.WithFields(ctx, map[string]any{"env": cfg.Env})

		dbClient, err := db.New(ctx, cfg.DB, logg)
		requireResource(ctx, logg, "database", err)
		defer dbClient.Close()

		var sqlDB *sql.DB
		sqlDB, err = dbClient.DB().DB()
		requireResource(ctx, logg, "sql database", err)

		runner, err = migrate.NewRunner(sqlDB, opts.source())
		requireResource(ctx, logg, "migration runner", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"cmd": *cmdName, "dir": opts.dir})
	if err := cmd.run(ctx, runner, opts); err != nil {
		logg.Error(ctx, "migrate.command_failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migrate.command_complete")
}

func commandList() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
