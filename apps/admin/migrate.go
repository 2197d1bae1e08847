package main

import (
	"context"

	pgdb "github.com/trezcool/bootcamp/storage/database/postgres"
)

var gooseRunFunc = pgdb.RunMigrations // mockable

func (cli *commandLine) migrate(args []string) error {
	return gooseRunFunc(context.Background(), cli.db, args[0], args[1:]...)
}
