package main

import (
	"context"
	"log"
	"os"

	dig_container "github.com/trezcool/bootcamp/apps/api/di/dig"
	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/roster"
	pgdb "github.com/trezcool/bootcamp/storage/database/postgres"
)

func main() {
	logger := log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	code := 0

	c := dig_container.New()
	err := c.Invoke(func(
		conf *core.Config,
		store roster.Store,
		svc *roster.Service,
		syn *enrollment.Synchronizer,
		reports *report.Reporter,
		closers dig_container.Closers,
	) {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
			defer cancel()
			if closers.Redis != nil {
				_ = closers.Redis.Close()
			}
			if err := closers.Store(ctx); err != nil {
				logger.Printf("closing store: %v", err)
			}
		}()

		cli := commandLine{roster: svc, sync: syn, reports: reports, out: os.Stdout}
		if pg, ok := store.(*pgdb.DB); ok {
			cli.db = pg.SQLDB()
		}
		if err := cli.run(os.Args); err != nil {
			if err != errHelp {
				logger.Printf("\nerror: %s\n", err)
			}
			code = 1
		}
	})
	if err != nil {
		logger.Fatal(err)
	}
	os.Exit(code)
}
