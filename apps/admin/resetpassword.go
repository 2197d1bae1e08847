package main

import (
	"context"
	"fmt"

	"github.com/trezcool/bootcamp/core/roster"
)

func (cli *commandLine) resetPassword(c roster.Collection, email, pwd string) error {
	if err := cli.roster.ResetPassword(context.Background(), c, email, pwd); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "password reset for %s\n", email)
	return nil
}
