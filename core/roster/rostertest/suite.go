package rostertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

// RunStoreTests checks that a roster.Store behaves like every other implementation.
// newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) roster.Store) {
	t.Run("find by id", func(t *testing.T) { testFindByID(t, newStore(t)) })
	t.Run("set operations", func(t *testing.T) { testSetOperations(t, newStore(t)) })
	t.Run("patch", func(t *testing.T) { testPatch(t, newStore(t)) })
	t.Run("version", func(t *testing.T) { testVersion(t, newStore(t)) })
	t.Run("invalid mutation", func(t *testing.T) { testInvalidMutation(t, newStore(t)) })
	t.Run("filters", func(t *testing.T) { testFilters(t, newStore(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("concurrent add to set", func(t *testing.T) { testConcurrentAddToSet(t, newStore(t)) })
}

func testFindByID(t *testing.T, store roster.Store) {
	ctx := context.Background()
	s := CreateStudent(t, store, "Awe Some")
	tc := CreateTeacher(t, store, "Tea Cher")
	b := CreateBatch(t, store, "Go 101", tc.ID, 100)

	gotS, err := store.FindStudentByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, gotS.Name)
	assert.Equal(t, s.Email, gotS.Email)
	assert.Equal(t, int64(1), gotS.Version)
	assert.NotEmpty(t, gotS.PasswordHash)
	assert.NoError(t, gotS.CheckPassword(Password))
	assert.Empty(t, gotS.Batches)
	assert.False(t, gotS.CreatedAt.IsZero())

	gotT, err := store.FindTeacherByID(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, gotT.Batches)

	gotB, err := store.FindBatchByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Go 101", gotB.BatchName)
	assert.Equal(t, tc.ID, gotB.Teacher)
	assert.Equal(t, float64(100), gotB.Revenue)

	missing := unknownID(t, store)
	_, err = store.FindStudentByID(ctx, missing)
	assert.True(t, errors.Is(err, roster.ErrStudentNotFound), "got %v", err)
	_, err = store.FindTeacherByID(ctx, missing)
	assert.True(t, errors.Is(err, roster.ErrTeacherNotFound), "got %v", err)
	_, err = store.FindBatchByID(ctx, missing)
	assert.True(t, errors.Is(err, roster.ErrBatchNotFound), "got %v", err)

	err = store.UpdateOne(ctx, roster.Batches, missing, roster.AddToSet(roster.FieldStudents, s.ID))
	assert.True(t, errors.Is(err, roster.ErrBatchNotFound), "got %v", err)
}

// unknownID returns an ID in the store's format that does not exist.
func unknownID(t *testing.T, store roster.Store) string {
	tmp := CreateBatch(t, store, "tmp", "", 0)
	if len(tmp.ID) == 24 { // ObjectID hex
		return "000000000000000000000000"
	}
	return "00000000-0000-0000-0000-000000000000"
}

func testSetOperations(t *testing.T, store roster.Store) {
	ctx := context.Background()
	b := CreateBatch(t, store, "Sets", "", 0)

	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, "a", "b")))
	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, "b", "c")))
	assert.Equal(t, []string{"a", "b", "c"}, MustBatch(t, store, b.ID).Students)

	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b.ID, roster.Pull(roster.FieldStudents, "b", "zz")))
	assert.Equal(t, []string{"a", "c"}, MustBatch(t, store, b.ID).Students)

	// pulling an absent id is a no-op
	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b.ID, roster.Pull(roster.FieldStudents, "b")))
	assert.Equal(t, []string{"a", "c"}, MustBatch(t, store, b.ID).Students)

	s := CreateStudent(t, store, "Set Student")
	m := roster.Mutation{Replace: map[roster.Field][]string{
		roster.FieldBatches:  {"x", "y"},
		roster.FieldTeachers: {"t"},
	}}
	require.NoError(t, store.UpdateOne(ctx, roster.Students, s.ID, m))
	got := MustStudent(t, store, s.ID)
	assert.Equal(t, []string{"x", "y"}, got.Batches)
	assert.Equal(t, []string{"t"}, got.Teachers)

	m = roster.Mutation{Replace: map[roster.Field][]string{roster.FieldBatches: {}}}
	require.NoError(t, store.UpdateOne(ctx, roster.Students, s.ID, m))
	assert.Empty(t, MustStudent(t, store, s.ID).Batches)
}

func testPatch(t *testing.T, store roster.Store) {
	ctx := context.Background()
	tc := CreateTeacher(t, store, "Patch Teacher")
	b := CreateBatch(t, store, "Patch", "", 10)

	name := "Renamed"
	revenue := 250.5
	start := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b.ID, roster.Mutation{Patch: roster.Patch{
		BatchName: &name,
		Teacher:   &tc.ID,
		Revenue:   &revenue,
		StartDate: &start,
		Schedule:  &roster.Schedule{Days: []string{"mon", "wed"}, Time: "18:00"},
	}}))
	got := MustBatch(t, store, b.ID)
	assert.Equal(t, name, got.BatchName)
	assert.Equal(t, tc.ID, got.Teacher)
	assert.Equal(t, revenue, got.Revenue)
	assert.True(t, start.Equal(got.StartDate), "start_date = %v", got.StartDate)
	assert.Equal(t, []string{"mon", "wed"}, got.Schedule.Days)
	assert.Equal(t, "18:00", got.Schedule.Time)

	expertise := "Distributed systems"
	require.NoError(t, store.UpdateOne(ctx, roster.Teachers, tc.ID, roster.Mutation{Patch: roster.Patch{Expertise: &expertise}}))
	assert.Equal(t, expertise, MustTeacher(t, store, tc.ID).Expertise)
}

func testVersion(t *testing.T, store roster.Store) {
	ctx := context.Background()
	s := CreateStudent(t, store, "Versioned")

	school := "Hogwarts"
	require.NoError(t, store.UpdateOne(ctx, roster.Students, s.ID, roster.Mutation{Patch: roster.Patch{School: &school}, IfVersion: 1}))
	got := MustStudent(t, store, s.ID)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, school, got.School)

	err := store.UpdateOne(ctx, roster.Students, s.ID, roster.Mutation{Patch: roster.Patch{School: &school}, IfVersion: 1})
	assert.True(t, errors.Is(err, roster.ErrVersionConflict), "got %v", err)
	assert.Equal(t, int64(2), MustStudent(t, store, s.ID).Version)
}

func testInvalidMutation(t *testing.T, store roster.Store) {
	ctx := context.Background()
	b := CreateBatch(t, store, "Invalid", "", 0)
	name := "x"

	tests := []struct {
		name string
		c    roster.Collection
		m    roster.Mutation
	}{
		{name: "unknown field", c: roster.Batches, m: roster.AddToSet(roster.FieldTeachers, "t")},
		{name: "person field on batch", c: roster.Batches, m: roster.Mutation{Patch: roster.Patch{Name: &name}}},
		{name: "versioned batch", c: roster.Batches, m: roster.Mutation{Pull: map[roster.Field][]string{roster.FieldStudents: {"a"}}, IfVersion: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.UpdateOne(ctx, tt.c, b.ID, tt.m)
			assert.True(t, errors.Is(err, roster.ErrInvalidMutation), "got %v", err)
		})
	}
}

func testFilters(t *testing.T, store roster.Store) {
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Minute)

	t1 := CreateTeacher(t, store, "Ada Lovelace")
	t2 := CreateTeacher(t, store, "Alan Turing")
	b1 := CreateBatch(t, store, "Compilers", t1.ID, 300)
	b2 := CreateBatch(t, store, "Algorithms", t1.ID, 100)
	b3 := CreateBatch(t, store, "Crypto", t2.ID, 200)
	s1 := CreateStudent(t, store, "Grace Hopper")
	s2 := CreateStudent(t, store, "Linus Torvalds")

	batchIDs := func(batches []roster.Batch) []string {
		ids := make([]string, 0, len(batches))
		for _, b := range batches {
			ids = append(ids, b.ID)
		}
		return ids
	}

	batches, err := store.FindBatches(ctx, roster.Filter{Teacher: t1.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b1.ID, b2.ID}, batchIDs(batches))

	batches, err = store.FindBatches(ctx, roster.Filter{IDs: []string{b1.ID, b3.ID}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b1.ID, b3.ID}, batchIDs(batches))

	batches, err = store.FindBatches(ctx, roster.Filter{IDs: []string{}})
	require.NoError(t, err)
	assert.Empty(t, batches)

	batches, err = store.FindBatches(ctx, roster.Filter{Ordering: []core.DBOrdering{{Field: "revenue", Ascending: false}}})
	require.NoError(t, err)
	assert.Equal(t, []string{b1.ID, b3.ID, b2.ID}, batchIDs(batches))

	batches, err = store.FindBatches(ctx, roster.Filter{Search: "cr"})
	require.NoError(t, err)
	assert.Equal(t, []string{b3.ID}, batchIDs(batches))

	students, err := store.FindStudents(ctx, roster.Filter{Email: "GRACE.hopper@test.io"})
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, s1.ID, students[0].ID)

	students, err = store.FindStudents(ctx, roster.Filter{Search: "TORV"})
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, s2.ID, students[0].ID)

	students, err = store.FindStudents(ctx, roster.Filter{Ordering: []core.DBOrdering{{Field: "name", Ascending: false}}})
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, s2.ID, students[0].ID)

	students, err = store.FindStudents(ctx, roster.Filter{CreatedFrom: before, CreatedTo: before.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, students, 2)
	students, err = store.FindStudents(ctx, roster.Filter{CreatedTo: before})
	require.NoError(t, err)
	assert.Empty(t, students)

	teachers, err := store.FindTeachers(ctx, roster.Filter{Search: "alan"})
	require.NoError(t, err)
	require.Len(t, teachers, 1)
	assert.Equal(t, t2.ID, teachers[0].ID)
}

func testTransactions(t *testing.T, store roster.Store) {
	ctx := context.Background()
	b := CreateBatch(t, store, "Tx", "", 0)
	errBoom := errors.New("boom")

	err := store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, "a")); err != nil {
			return err
		}
		return errBoom
	})
	if errors.Is(err, roster.ErrNoTransactions) {
		t.Skip("store has no transactions")
	}
	assert.True(t, errors.Is(err, errBoom), "got %v", err)
	assert.Empty(t, MustBatch(t, store, b.ID).Students, "rolled back")

	err = store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, "a")); err != nil {
			return err
		}
		// reads in the transaction see its own writes
		got, err := store.FindBatchByID(ctx, b.ID)
		if err != nil {
			return err
		}
		if !got.HasStudent("a") {
			return errors.New("write not visible in transaction")
		}
		return store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, "b"))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, MustBatch(t, store, b.ID).Students)
}

func testConcurrentAddToSet(t *testing.T, store roster.Store) {
	ctx := context.Background()
	b := CreateBatch(t, store, "Crowded", "", 0)

	n := 20
	want := make([]string, 0, n)
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%02d", i)
		want = append(want, id)
		wg.Add(2)
		for j := 0; j < 2; j++ { // every id added twice
			go func() {
				defer wg.Done()
				errs <- store.UpdateOne(ctx, roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, id))
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, want, MustBatch(t, store, b.ID).Students)
}
