package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/roster"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp       = errors.New("help provided")
	errNoSQL      = errors.New("migrations only run against the postgres engine")
	errViolations = errors.New("integrity violations found")
)

type commandLine struct {
	db      *sql.DB // nil unless the store is postgres
	roster  *roster.Service
	sync    *enrollment.Synchronizer
	reports *report.Reporter // cached reports are dropped after a repair
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status, ...) on the postgres schema")
	fmt.Fprintln(cli.out, "  resetpassword -email EMAIL [-role student|teacher] - reset a student's or teacher's password")
	fmt.Fprintln(cli.out, "  check - report enrollment integrity violations")
	fmt.Fprintln(cli.out, "  repair [-dry-run] - rebuild the derived enrollment sets")
	fmt.Fprintln(cli.out, "  split -amount AMOUNT [-mode independent|strict] - compute a revenue split")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordEmail := resetPasswordCmd.String("email", "", "The account's email. The password will be prompted next.")
	resetPasswordRole := resetPasswordCmd.String("role", "student", "student or teacher")

	repairCmd := flag.NewFlagSet("repair", flag.ExitOnError)
	repairDryRun := repairCmd.Bool("dry-run", false, "Only report what would be repaired.")

	splitCmd := flag.NewFlagSet("split", flag.ExitOnError)
	splitAmount := splitCmd.String("amount", "", "The revenue to split.")
	splitMode := splitCmd.String("mode", "independent", "independent or strict")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		if cli.db == nil {
			return errNoSQL
		}
		return cli.migrate(args[2:])

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		var coll roster.Collection
		switch *resetPasswordRole {
		case "student":
			coll = roster.Students
		case "teacher":
			coll = roster.Teachers
		}
		if *resetPasswordEmail == "" || coll == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter password:")
		pwd, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(coll, *resetPasswordEmail, string(pwd))

	case "check":
		return cli.check()

	case "repair":
		if err := repairCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.repair(*repairDryRun)

	case "split":
		if err := splitCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *splitAmount == "" {
			splitCmd.Usage()
			return errHelp
		}
		amount, err := strconv.ParseFloat(*splitAmount, 64)
		if err != nil {
			return fmt.Errorf("amount must be a number (got '%s')", *splitAmount)
		}
		return cli.split(amount, *splitMode)

	default:
		cli.printUsage()
		return errHelp
	}
}
