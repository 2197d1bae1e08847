package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/revenue"
)

func (cli *commandLine) printViolations(vs []enrollment.Violation) {
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tID\tFIELD\tPROBLEM")
	for _, v := range vs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Collection, v.ID, v.Field, v.Message)
	}
	_ = w.Flush()
}

// check exits non-zero when the derived sets disagree with Student.batches and Batch.teacher.
func (cli *commandLine) check() error {
	vs, err := cli.sync.Verify(context.Background())
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		fmt.Fprintln(cli.out, "no violations")
		return nil
	}
	cli.printViolations(vs)
	return errViolations
}

func (cli *commandLine) repair(dryRun bool) error {
	vs, err := cli.sync.Repair(context.Background(), dryRun)
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		fmt.Fprintln(cli.out, "nothing to repair")
		return nil
	}
	cli.printViolations(vs)
	if dryRun {
		fmt.Fprintf(cli.out, "%d violation(s) would be repaired\n", len(vs))
		return nil
	}
	fmt.Fprintf(cli.out, "%d violation(s) repaired\n", len(vs))

	if cli.reports != nil {
		if err = cli.reports.Invalidate(context.Background()); err != nil {
			return errors.Wrap(err, "memberships were repaired but cached reports may be stale")
		}
	}
	return nil
}

func (cli *commandLine) split(amount float64, mode string) error {
	m, err := revenue.ParseMode(mode)
	if err != nil {
		return err
	}
	s, err := revenue.NewCalculator(m).Compute(amount)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total\t%v\n", s.Total)
	fmt.Fprintf(w, "student\t%v\n", s.StudentShare)
	fmt.Fprintf(w, "teacher\t%v\n", s.TeacherShare)
	fmt.Fprintf(w, "platform\t%v\n", s.PlatformShare)
	return w.Flush()
}
