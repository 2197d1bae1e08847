package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
	"github.com/trezcool/bootcamp/core/roster/rostertest"
	inmemdb "github.com/trezcool/bootcamp/storage/database/inmem"
)

func setup(t *testing.T) (*commandLine, roster.Store, *bytes.Buffer) {
	store := inmemdb.Open()
	svc := rostertest.NewService(store)
	var out bytes.Buffer

	// start CLI
	return &commandLine{
		db:     &sql.DB{},
		roster: svc,
		sync:   enrollment.NewSynchronizer(svc),
		out:    &out,
	}, store, &out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func (tt cliTest) check(t *testing.T, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		assert.ErrorIs(t, err, tt.wantErr)
	case tt.wantErrStr != "":
		if assert.Error(t, err) {
			assert.Equal(t, tt.wantErrStr, err.Error())
		}
	default:
		assert.NoError(t, err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, _ := setup(t)

	gooseRunFunc = func(_ context.Context, db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	t.Run("not postgres", func(t *testing.T) {
		cli.db = nil
		assert.ErrorIs(t, cli.run([]string{"admin", "migrate", "up"}), errNoSQL)
	})
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli, store, _ := setup(t)
	s := rostertest.CreateStudent(t, store, "Stu Dent")
	tc := rostertest.CreateTeacher(t, store, "Tea Cher")

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "email but no password", args: []string{"resetpassword", "-email", s.Email}, wantErr: errHelp},
		{name: "unknown role", args: []string{"resetpassword", "-email", s.Email, "-role", "admin"}, extra: extra{pwd: "lol"}, wantErr: errHelp},
		{name: "student not found", args: []string{"resetpassword", "-email", "lol@test.io"}, extra: extra{pwd: "lol"}, wantErr: roster.ErrStudentNotFound},
		{name: "teacher not found", args: []string{"resetpassword", "-email", s.Email, "-role", "teacher"}, extra: extra{pwd: "lol"}, wantErr: roster.ErrTeacherNotFound},
		{name: "reset student", args: []string{"resetpassword", "-email", s.Email}, extra: extra{pwd: "N3w-Passw0rd!"}},
		{name: "reset teacher", args: []string{"resetpassword", "-email", tc.Email, "-role", "teacher"}, extra: extra{pwd: "N3w-Passw0rd!"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	assert.NotEqual(t, s.PasswordHash, rostertest.MustStudent(t, store, s.ID).PasswordHash)
	assert.NotEqual(t, tc.PasswordHash, rostertest.MustTeacher(t, store, tc.ID).PasswordHash)
}

func Test_commandLine_checkAndRepair(t *testing.T) {
	cli, store, out := setup(t)
	tc := rostertest.CreateTeacher(t, store, "Tea Cher")
	b := rostertest.CreateBatch(t, store, "B1", tc.ID, 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")
	rostertest.Link(t, store, s.ID, b.ID)

	require.NoError(t, cli.run([]string{"admin", "check"}))
	assert.Contains(t, out.String(), "no violations")

	// drop the teacher-side link behind the synchronizer's back
	err := store.UpdateOne(context.Background(), roster.Teachers, tc.ID, roster.Pull(roster.FieldStudents, s.ID))
	require.NoError(t, err)

	out.Reset()
	assert.ErrorIs(t, cli.run([]string{"admin", "check"}), errViolations)
	assert.Contains(t, out.String(), tc.ID)

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "repair", "-dry-run"}))
	assert.Contains(t, out.String(), "would be repaired")
	assert.Empty(t, rostertest.MustTeacher(t, store, tc.ID).Students)

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "repair"}))
	assert.Contains(t, out.String(), "repaired")
	assert.Equal(t, []string{s.ID}, rostertest.MustTeacher(t, store, tc.ID).Students)

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "repair"}))
	assert.Contains(t, out.String(), "nothing to repair")
}

// countingCache never hits and records the prefixes dropped from it.
type countingCache struct {
	mu      sync.Mutex
	dropped []string
}

func (c *countingCache) Get(context.Context, string, interface{}) error { return report.ErrCacheMiss }

func (c *countingCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (c *countingCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, prefix)
	return nil
}

func Test_commandLine_repairInvalidatesReports(t *testing.T) {
	cli, store, _ := setup(t)
	cache := &countingCache{}
	cli.reports = report.NewReporter(store, revenue.NewCalculator(revenue.ModeIndependent), report.WithCache(cache, time.Minute))

	tc := rostertest.CreateTeacher(t, store, "Tea Cher")
	b := rostertest.CreateBatch(t, store, "B1", tc.ID, 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")
	rostertest.Link(t, store, s.ID, b.ID)
	require.NoError(t, store.UpdateOne(context.Background(), roster.Teachers, tc.ID, roster.Pull(roster.FieldStudents, s.ID)))

	require.NoError(t, cli.run([]string{"admin", "repair", "-dry-run"}))
	assert.Empty(t, cache.dropped)

	require.NoError(t, cli.run([]string{"admin", "repair"}))
	require.Len(t, cache.dropped, 1)
	assert.Equal(t, "report:", cache.dropped[0])

	// nothing to repair leaves the cache alone
	require.NoError(t, cli.run([]string{"admin", "repair"}))
	assert.Len(t, cache.dropped, 1)
}

func Test_commandLine_split(t *testing.T) {
	cli, _, out := setup(t)

	tests := []cliTest{
		{name: "no amount", args: []string{"split"}, wantErr: errHelp},
		{name: "not a number", args: []string{"split", "-amount", "abc"}, wantErrStr: "amount must be a number (got 'abc')"},
		{name: "negative", args: []string{"split", "-amount", "-5"}, wantErr: revenue.ErrInvalidAmount},
		{name: "unknown mode", args: []string{"split", "-amount", "5", "-mode", "lol"}, wantErrStr: `unknown revenue split mode "lol"`},
		{name: "independent", args: []string{"split", "-amount", "99"}, extra: "platform  30"},
		{name: "strict", args: []string{"split", "-amount", "99", "-mode", "strict"}, extra: "platform  29"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			tt.check(t, cli.run(args))
			if want, ok := tt.extra.(string); ok {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}
