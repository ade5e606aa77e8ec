package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"authgate.org/internal/migrate"
	"authgate.org/internal/obs"
	"authgate.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            string
		migrationsPath string
		seedsPath      string
		timeout        time.Duration
	)
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.StringVar(&dsn, "dsn", os.Getenv("AUTHGATE_PG_DSN"), "PostgreSQL DSN")
	flags.StringVar(&migrationsPath, "migrations", "", "directory with SQL migrations (default: bundled)")
	flags.StringVar(&seedsPath, "seeds", "", "directory with SQL seeds")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	if dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or AUTHGATE_PG_DSN")
	}
	if flags.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var migrations fs.FS
	if migrationsPath != "" {
		migrations = os.DirFS(migrationsPath)
	}
	opts := []migrate.Option{migrate.WithLogger(obs.Logger().Named("migrate"))}
	if seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(seedsPath)))
	}
	mgr := migrate.NewManager(store.DB(), migrations, opts...)

	switch flags.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil && reverted != "" {
			fmt.Println("reverted", reverted)
		}
	case "seed":
		if seedsPath == "" {
			log.Fatal("seed requires --seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flags.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flags.Arg(0), err)
	}
}
