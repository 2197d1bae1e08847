package pgdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
	"github.com/trezcool/bootcamp/core/roster/rostertest"
)

// openTestDB connects to BOOTCAMP_TEST_POSTGRES_URI and recreates the schema.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	uri := os.Getenv("BOOTCAMP_TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("BOOTCAMP_TEST_POSTGRES_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sqlDB, err := sqlx.Open(driverName, uri)
	require.NoError(t, err)
	require.NoError(t, ping(ctx, sqlDB.DB))

	require.NoError(t, RunMigrations(ctx, sqlDB.DB, "reset"))
	require.NoError(t, Migrate(ctx, sqlDB.DB))
	db := New(sqlDB)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_Store(t *testing.T) {
	rostertest.RunStoreTests(t, func(t *testing.T) roster.Store { return openTestDB(t) })
}

func TestDB_uniqueEmail(t *testing.T) {
	db := openTestDB(t)
	s := rostertest.CreateStudent(t, db, "Dup Licate")
	_, err := db.CreateStudent(context.Background(), roster.Student{Name: "Other", Email: s.Email, Status: roster.StatusActive})
	assert.ErrorIs(t, err, roster.ErrEmailExists)
}

func TestDB_nestedTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := rostertest.CreateStudent(t, db, "Nest Ed")

	err := db.WithTransaction(ctx, func(ctx context.Context) error {
		return db.WithTransaction(ctx, func(ctx context.Context) error {
			return db.UpdateOne(ctx, roster.Students, s.ID, roster.AddToSet(roster.FieldBatches, "b1"))
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, rostertest.MustStudent(t, db, s.ID).Batches)
}

func TestQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := query(roster.Batches, roster.Filter{
		IDs:         []string{"b1", "b2"},
		Teacher:     "t1",
		Search:      "50%_off",
		CreatedFrom: from,
		Ordering:    core.ParseOrderings("-revenue,email"),
	}, "batch_name")

	assert.Equal(t,
		"SELECT * FROM batches WHERE id = ANY($1) AND teacher = $2 AND (batch_name ILIKE $3) AND created_at >= $4"+
			" ORDER BY revenue DESC, created_at ASC, id ASC", q)
	require.Len(t, args, 4)
	assert.Equal(t, pq.Array([]string{"b1", "b2"}), args[0])
	assert.Equal(t, `%50\%\_off%`, args[2])
	assert.Equal(t, from, args[3])

	q, args = query(roster.Students, roster.Filter{Email: "A@b.io"})
	assert.Equal(t, "SELECT * FROM students WHERE lower(email) = lower($1) ORDER BY created_at ASC, id ASC", q)
	assert.Equal(t, []interface{}{"A@b.io"}, args)
}

func TestUpdate(t *testing.T) {
	now := time.Unix(0, 0).UTC()
	db := &DB{now: func() time.Time { return now }}
	name := "Renamed"

	q, args := db.update(roster.Students, "s1", roster.Mutation{
		AddToSet:  map[roster.Field][]string{roster.FieldBatches: {"b1", "b1", "b2"}},
		Patch:     roster.Patch{Name: &name},
		IfVersion: 3,
	})
	assert.Equal(t, "UPDATE students SET name = $1, "+
		"batches = batches || ARRAY(SELECT x FROM unnest($2::text[]) WITH ORDINALITY t(x, i) WHERE x <> ALL(batches) ORDER BY i), "+
		"updated_at = $3, version = version + 1 WHERE id = $4 AND version = $5", q)
	assert.Equal(t, []interface{}{"Renamed", pq.StringArray{"b1", "b2"}, now, "s1", int64(3)}, args)

	q, args = db.update(roster.Batches, "b1", roster.Pull(roster.FieldStudents, "s1"))
	assert.Equal(t, "UPDATE batches SET "+
		"students = ARRAY(SELECT x FROM unnest(students) WITH ORDINALITY t(x, i) WHERE x <> ALL($1::text[]) ORDER BY i), "+
		"updated_at = $2 WHERE id = $3", q)
	assert.Equal(t, []interface{}{pq.StringArray{"s1"}, now, "b1"}, args)
}
