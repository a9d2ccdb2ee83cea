// Command migrate manages the access-control schema: apply or roll back the
// SQL under ops/migrations/sql, load the seed catalog (regions, base modules
// and roles), or print what has run.
//
//	migrate up      apply pending migrations
//	migrate down    roll back the newest migration
//	migrate seed    apply pending seed files
//	migrate status  list applied migrations
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pymemad.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("PYMEMAD_PG_DSN"), "PostgreSQL DSN")
		sqlDir  = flag.String("migrations", "ops/migrations/sql", "Schema migration directory")
		seedDir = flag.String("seeds", "ops/migrations/seeds", "Seed file directory")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PYMEMAD_PG_DSN")
	}
	cmd := flag.Arg(0)
	if cmd == "" {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.New(db, *sqlDir, *seedDir)

	switch cmd {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "seed":
		err = runner.Seed(ctx)
	case "status":
		var applied []string
		if applied, err = runner.Status(ctx); err == nil {
			if len(applied) == 0 {
				fmt.Println("no migrations applied")
			}
			for _, name := range applied {
				fmt.Println(name)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
