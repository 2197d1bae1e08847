package enrollment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
	"github.com/trezcool/bootcamp/core/roster/rostertest"
	inmemdb "github.com/trezcool/bootcamp/storage/database/inmem"
)

var errBoom = errors.New("boom")

// faultyStore fails writes matching failOn. afterFind runs once, after the student read at index
// skipFinds; afterWrite runs once, after the first successful write; afterBatches runs once, after the first batch read.
type faultyStore struct {
	roster.Store
	failOn       func(c roster.Collection, id string) bool
	afterFind    func(ctx context.Context, id string)
	afterWrite   func(ctx context.Context, c roster.Collection, id string)
	afterBatches func(ctx context.Context)
	skipFinds    int

	mu                           sync.Mutex
	finds                        int
	findOnce, writeOnce, batOnce sync.Once
}

func (fs *faultyStore) UpdateOne(ctx context.Context, c roster.Collection, id string, m roster.Mutation) error {
	if fs.failOn != nil && fs.failOn(c, id) {
		return errBoom
	}
	if err := fs.Store.UpdateOne(ctx, c, id, m); err != nil {
		return err
	}
	if fs.afterWrite != nil {
		fs.writeOnce.Do(func() { fs.afterWrite(ctx, c, id) })
	}
	return nil
}

func (fs *faultyStore) FindStudentByID(ctx context.Context, id string) (roster.Student, error) {
	s, err := fs.Store.FindStudentByID(ctx, id)
	fs.mu.Lock()
	n := fs.finds
	fs.finds++
	fs.mu.Unlock()
	if fs.afterFind != nil && n >= fs.skipFinds {
		fs.findOnce.Do(func() { fs.afterFind(ctx, id) })
	}
	return s, err
}

func (fs *faultyStore) FindBatches(ctx context.Context, f roster.Filter) ([]roster.Batch, error) {
	bs, err := fs.Store.FindBatches(ctx, f)
	if fs.afterBatches != nil {
		fs.batOnce.Do(func() { fs.afterBatches(ctx) })
	}
	return bs, err
}

func newSynchronizer(store roster.Store, opts ...Option) *Synchronizer {
	return NewSynchronizer(rostertest.NewService(store), opts...)
}

func assertConsistent(t *testing.T, syn *Synchronizer) {
	t.Helper()
	vs, err := syn.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func stores() map[string]func() roster.Store {
	return map[string]func() roster.Store{
		"transactional":     func() roster.Store { return inmemdb.Open() },
		"non-transactional": func() roster.Store { return inmemdb.Open(inmemdb.WithoutTransactions()) },
	}
}

func TestSynchronizer_Reconcile_moveWithinTeacher(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			t1 := rostertest.CreateTeacher(t, store, "Tea One")
			b1 := rostertest.CreateBatch(t, store, "B1", t1.ID, 0)
			b2 := rostertest.CreateBatch(t, store, "B2", t1.ID, 0)
			s3 := rostertest.CreateStudent(t, store, "Stu Three")
			rostertest.Link(t, store, s3.ID, b1.ID, b2.ID)

			p, err := syn.Reconcile(context.Background(), s3.ID, []string{b2.ID})
			require.NoError(t, err)
			assert.Equal(t, []string{b1.ID}, batchIDs(p.RemovedFrom))
			assert.Empty(t, p.AddedTo)
			assert.Empty(t, p.TeacherIDsToUnlink)

			assert.False(t, rostertest.MustBatch(t, store, b1.ID).HasStudent(s3.ID))
			assert.True(t, rostertest.MustBatch(t, store, b2.ID).HasStudent(s3.ID))
			assert.Equal(t, []string{s3.ID}, rostertest.MustTeacher(t, store, t1.ID).Students)
			got := rostertest.MustStudent(t, store, s3.ID)
			assert.Equal(t, []string{b2.ID}, got.Batches)
			assert.Equal(t, []string{t1.ID}, got.Teachers)
			assertConsistent(t, syn)
		})
	}
}

func TestSynchronizer_Reconcile_moveAcrossTeachers(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			t1 := rostertest.CreateTeacher(t, store, "Tea One")
			t2 := rostertest.CreateTeacher(t, store, "Tea Two")
			b1 := rostertest.CreateBatch(t, store, "B1", t1.ID, 0)
			b2 := rostertest.CreateBatch(t, store, "B2", t2.ID, 0)
			s4 := rostertest.CreateStudent(t, store, "Stu Four")
			rostertest.Link(t, store, s4.ID, b1.ID)

			p, err := syn.Reconcile(context.Background(), s4.ID, []string{b2.ID})
			require.NoError(t, err)
			assert.Equal(t, []string{t1.ID}, p.TeacherIDsToUnlink)
			assert.Equal(t, []string{t2.ID}, p.TeacherIDsToLink)

			assert.Empty(t, rostertest.MustBatch(t, store, b1.ID).Students)
			assert.Equal(t, []string{s4.ID}, rostertest.MustBatch(t, store, b2.ID).Students)
			assert.Empty(t, rostertest.MustTeacher(t, store, t1.ID).Students)
			assert.Equal(t, []string{s4.ID}, rostertest.MustTeacher(t, store, t2.ID).Students)
			assert.Equal(t, []string{t2.ID}, rostertest.MustStudent(t, store, s4.ID).Teachers)
			assertConsistent(t, syn)
		})
	}
}

func TestSynchronizer_Reconcile_idempotent(t *testing.T) {
	store := inmemdb.Open()
	syn := newSynchronizer(store)
	tc := rostertest.CreateTeacher(t, store, "Tea Cher")
	b1 := rostertest.CreateBatch(t, store, "B1", tc.ID, 0)
	b2 := rostertest.CreateBatch(t, store, "B2", "", 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")
	ctx := context.Background()

	_, err := syn.Reconcile(ctx, s.ID, []string{b1.ID, b2.ID})
	require.NoError(t, err)
	before := rostertest.MustStudent(t, store, s.ID)

	p, err := syn.Reconcile(ctx, s.ID, []string{b2.ID, b1.ID, b1.ID})
	require.NoError(t, err)
	assert.True(t, p.IsNoop())
	assert.Equal(t, before.Version, rostertest.MustStudent(t, store, s.ID).Version)

	p, err = syn.ReconcileFrom(ctx, s.ID, []string{b1.ID}, []string{b1.ID})
	require.NoError(t, err)
	assert.True(t, p.IsNoop())
	assertConsistent(t, syn)
}

func TestSynchronizer_Reconcile_stepOrder(t *testing.T) {
	store := inmemdb.Open()
	syn := newSynchronizer(store)
	t1 := rostertest.CreateTeacher(t, store, "Tea One")
	t2 := rostertest.CreateTeacher(t, store, "Tea Two")
	b1 := rostertest.CreateBatch(t, store, "B1", t1.ID, 0)
	b2 := rostertest.CreateBatch(t, store, "B2", t2.ID, 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")
	rostertest.Link(t, store, s.ID, b1.ID)

	p, err := syn.Plan(context.Background(), s.ID, []string{b1.ID}, []string{b2.ID})
	require.NoError(t, err)
	require.Len(t, p.Steps, 5)
	want := []struct {
		c  roster.Collection
		id string
	}{
		{roster.Students, s.ID},
		{roster.Batches, b2.ID},
		{roster.Teachers, t2.ID},
		{roster.Batches, b1.ID},
		{roster.Teachers, t1.ID},
	}
	for i, w := range want {
		assert.Equal(t, w.c, p.Steps[i].Collection, "step %d", i)
		assert.Equal(t, w.id, p.Steps[i].ID, "step %d", i)
	}

	// Plan never writes
	assert.Equal(t, []string{b1.ID}, rostertest.MustStudent(t, store, s.ID).Batches)
}

func TestSynchronizer_Reconcile_missingBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("fail fast writes nothing", func(t *testing.T) {
		store := inmemdb.Open(inmemdb.WithoutTransactions())
		syn := newSynchronizer(store)
		b1 := rostertest.CreateBatch(t, store, "B1", "", 0)
		b2 := rostertest.CreateBatch(t, store, "B2", "", 0)
		s := rostertest.CreateStudent(t, store, "Stu Dent")
		rostertest.Link(t, store, s.ID, b1.ID)

		_, err := syn.Reconcile(ctx, s.ID, []string{b2.ID, "missing"})
		assert.True(t, errors.Is(err, roster.ErrBatchNotFound), "got %v", err)
		assert.Equal(t, []string{b1.ID}, rostertest.MustStudent(t, store, s.ID).Batches)
		assert.Empty(t, rostertest.MustBatch(t, store, b2.ID).Students)
	})

	t.Run("skip drops unknown ids", func(t *testing.T) {
		store := inmemdb.Open()
		syn := newSynchronizer(store, WithMissingPolicy(SkipMissing))
		b1 := rostertest.CreateBatch(t, store, "B1", "", 0)
		s := rostertest.CreateStudent(t, store, "Stu Dent")

		p, err := syn.Reconcile(ctx, s.ID, []string{"missing", b1.ID})
		require.NoError(t, err)
		assert.Equal(t, []string{"missing"}, p.Skipped)
		assert.Equal(t, []string{b1.ID}, rostertest.MustStudent(t, store, s.ID).Batches)
		assertConsistent(t, syn)
	})

	t.Run("unknown student", func(t *testing.T) {
		syn := newSynchronizer(inmemdb.Open())
		_, err := syn.Reconcile(ctx, "nobody", nil)
		assert.True(t, errors.Is(err, roster.ErrStudentNotFound), "got %v", err)
	})
}

func TestSynchronizer_Reconcile_missingTeacher(t *testing.T) {
	ctx := context.Background()
	store := inmemdb.Open()
	b, err := store.CreateBatch(ctx, roster.Batch{BatchName: "Orphan", Teacher: "ghost", Students: []string{}})
	require.NoError(t, err)
	s := rostertest.CreateStudent(t, store, "Stu Dent")

	_, err = newSynchronizer(store).Reconcile(ctx, s.ID, []string{b.ID})
	assert.True(t, errors.Is(err, roster.ErrTeacherNotFound), "got %v", err)
	assert.Empty(t, rostertest.MustStudent(t, store, s.ID).Batches)

	p, err := newSynchronizer(store, WithMissingPolicy(SkipMissing)).Reconcile(ctx, s.ID, []string{b.ID})
	require.NoError(t, err)
	assert.Empty(t, p.Teachers)
	got := rostertest.MustStudent(t, store, s.ID)
	assert.Equal(t, []string{b.ID}, got.Batches)
	assert.Empty(t, got.Teachers)
}

func TestSynchronizer_Reconcile_partialApply(t *testing.T) {
	ctx := context.Background()
	inner := inmemdb.Open(inmemdb.WithoutTransactions())
	t1 := rostertest.CreateTeacher(t, inner, "Tea One")
	t2 := rostertest.CreateTeacher(t, inner, "Tea Two")
	b1 := rostertest.CreateBatch(t, inner, "B1", t1.ID, 0)
	b2 := rostertest.CreateBatch(t, inner, "B2", t2.ID, 0)
	s := rostertest.CreateStudent(t, inner, "Stu Dent")
	rostertest.Link(t, inner, s.ID, b1.ID)

	store := &faultyStore{Store: inner, failOn: func(c roster.Collection, id string) bool {
		return c == roster.Teachers && id == t2.ID
	}}
	_, err := newSynchronizer(store).Reconcile(ctx, s.ID, []string{b2.ID})
	var perr *PartialApplyError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, s.ID, perr.StudentID)
	assert.Len(t, perr.Applied, 2)
	assert.Len(t, perr.Pending, 3)
	assert.Equal(t, roster.Teachers, perr.Pending[0].Collection)
	assert.True(t, errors.Is(err, errBoom))

	assert.Equal(t, []string{b2.ID}, rostertest.MustStudent(t, inner, s.ID).Batches)
	assert.True(t, rostertest.MustBatch(t, inner, b2.ID).HasStudent(s.ID))

	// replaying the original change converges
	syn := newSynchronizer(inner)
	_, err = syn.ReconcileFrom(ctx, s.ID, []string{b1.ID}, []string{b2.ID})
	require.NoError(t, err)
	assertConsistent(t, syn)
}

func TestSynchronizer_Reconcile_rollback(t *testing.T) {
	ctx := context.Background()
	inner := inmemdb.Open()
	tc := rostertest.CreateTeacher(t, inner, "Tea Cher")
	b := rostertest.CreateBatch(t, inner, "B1", tc.ID, 0)
	s := rostertest.CreateStudent(t, inner, "Stu Dent")

	store := &faultyStore{Store: inner, failOn: func(c roster.Collection, _ string) bool { return c == roster.Teachers }}
	_, err := newSynchronizer(store).Reconcile(ctx, s.ID, []string{b.ID})
	require.Error(t, err)
	var perr *PartialApplyError
	assert.False(t, errors.As(err, &perr))
	assert.True(t, errors.Is(err, errBoom))

	assert.Empty(t, rostertest.MustStudent(t, inner, s.ID).Batches)
	assert.Empty(t, rostertest.MustBatch(t, inner, b.ID).Students)
	assertConsistent(t, newSynchronizer(inner))
}

func TestSynchronizer_Reconcile_versionConflict(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			inner := newStore()
			b := rostertest.CreateBatch(t, inner, "B1", "", 0)
			s := rostertest.CreateStudent(t, inner, "Stu Dent")

			phone := "+243000000"
			// the second read is the one the plan is built from
			store := &faultyStore{Store: inner, skipFinds: 1, afterFind: func(ctx context.Context, id string) {
				require.NoError(t, inner.UpdateOne(ctx, roster.Students, id, roster.Mutation{Patch: roster.Patch{Phone: &phone}}))
			}}
			_, err := newSynchronizer(store).Reconcile(ctx, s.ID, []string{b.ID})
			assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)
			assert.Empty(t, rostertest.MustBatch(t, inner, b.ID).Students)
			assert.Empty(t, rostertest.MustStudent(t, inner, s.ID).Batches)
		})
	}
}

func TestSynchronizer_Reconcile_lockWait(t *testing.T) {
	store := inmemdb.Open()
	locker := NewLocalLocker()
	syn := newSynchronizer(store, WithLocker(locker), WithLockWait(20*time.Millisecond))
	s := rostertest.CreateStudent(t, store, "Stu Dent")

	unlock, err := locker.Lock(context.Background(), studentLockKey(s.ID))
	require.NoError(t, err)
	_, err = syn.Reconcile(context.Background(), s.ID, nil)
	assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)

	unlock()
	_, err = syn.Reconcile(context.Background(), s.ID, nil)
	assert.NoError(t, err)
}

func TestSynchronizer_concurrentEnrollments(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			tc := rostertest.CreateTeacher(t, store, "Tea Cher")
			s := rostertest.CreateStudent(t, store, "Stu Dent")
			var ids []string
			for i := 0; i < 8; i++ {
				ids = append(ids, rostertest.CreateBatch(t, store, fmt.Sprintf("B%d", i), tc.ID, 0).ID)
			}

			var wg sync.WaitGroup
			errs := make(chan error, len(ids))
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, err := syn.Enroll(context.Background(), s.ID, id)
					errs <- err
				}(id)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			assert.ElementsMatch(t, ids, rostertest.MustStudent(t, store, s.ID).Batches)
			assertConsistent(t, syn)
		})
	}
}

func TestSynchronizer_EnrollWithdraw(t *testing.T) {
	ctx := context.Background()
	store := inmemdb.Open()
	syn := newSynchronizer(store)
	tc := rostertest.CreateTeacher(t, store, "Tea Cher")
	b1 := rostertest.CreateBatch(t, store, "B1", tc.ID, 0)
	b2 := rostertest.CreateBatch(t, store, "B2", tc.ID, 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")

	_, err := syn.Enroll(ctx, s.ID, b1.ID, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b1.ID, b2.ID}, rostertest.MustStudent(t, store, s.ID).Batches)

	p, err := syn.Withdraw(ctx, s.ID, b1.ID)
	require.NoError(t, err)
	assert.Empty(t, p.TeacherIDsToUnlink)
	assert.Equal(t, []string{s.ID}, rostertest.MustTeacher(t, store, tc.ID).Students)

	p, err = syn.Withdraw(ctx, s.ID, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tc.ID}, p.TeacherIDsToUnlink)
	assert.Empty(t, rostertest.MustTeacher(t, store, tc.ID).Students)
	assertConsistent(t, syn)
}

func TestSynchronizer_randomSequences(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			rnd := rand.New(rand.NewSource(42))

			var teachers, batches, students []string
			for i := 0; i < 3; i++ {
				teachers = append(teachers, rostertest.CreateTeacher(t, store, fmt.Sprintf("Teacher %d", i)).ID)
			}
			for i := 0; i < 7; i++ {
				owner := ""
				if i < 6 {
					owner = teachers[i%len(teachers)]
				}
				batches = append(batches, rostertest.CreateBatch(t, store, fmt.Sprintf("Batch %d", i), owner, 0).ID)
			}
			for i := 0; i < 5; i++ {
				students = append(students, rostertest.CreateStudent(t, store, fmt.Sprintf("Student %d", i)).ID)
			}

			for i := 0; i < 150; i++ {
				var target []string
				for _, b := range batches {
					if rnd.Intn(3) == 0 {
						target = append(target, b)
					}
				}
				sid := students[rnd.Intn(len(students))]
				_, err := syn.Reconcile(context.Background(), sid, target)
				require.NoError(t, err)
				if i%25 == 0 {
					assertConsistent(t, syn)
				}
			}
			assertConsistent(t, syn)
		})
	}
}

func TestSynchronizer_Admit(t *testing.T) {
	ctx := context.Background()
	ns := func(name string, batches ...string) roster.NewStudent {
		return roster.NewStudent{
			Name:            name,
			Email:           fmt.Sprintf("%s@test.io", name),
			Password:        rostertest.Password,
			PasswordConfirm: rostertest.Password,
			Batches:         batches,
		}
	}

	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			tc := rostertest.CreateTeacher(t, store, "Tea Cher")
			b := rostertest.CreateBatch(t, store, "B1", tc.ID, 0)

			s, p, err := syn.Admit(ctx, ns("ada", b.ID))
			require.NoError(t, err)
			assert.Equal(t, []string{b.ID}, batchIDs(p.AddedTo))
			assert.Equal(t, []string{b.ID}, s.Batches)
			assert.Equal(t, []string{tc.ID}, s.Teachers)
			assert.Equal(t, []string{s.ID}, rostertest.MustBatch(t, store, b.ID).Students)
			assertConsistent(t, syn)

			_, _, err = syn.Admit(ctx, ns("bob", "missing"))
			assert.True(t, errors.Is(err, roster.ErrBatchNotFound), "got %v", err)
			found, err := store.FindStudents(ctx, roster.Filter{Email: "bob@test.io"})
			require.NoError(t, err)
			assert.Empty(t, found)

			_, _, err = syn.Admit(ctx, ns("ada"))
			var verr *core.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, "email", verr.Fields[0].Field)
		})
	}
}

func TestSynchronizer_ReassignTeacher(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			syn := newSynchronizer(store)
			t1 := rostertest.CreateTeacher(t, store, "Tea One")
			t2 := rostertest.CreateTeacher(t, store, "Tea Two")
			b1 := rostertest.CreateBatch(t, store, "B1", t1.ID, 0)
			b2 := rostertest.CreateBatch(t, store, "B2", t1.ID, 0)
			s1 := rostertest.CreateStudent(t, store, "Stu One")
			s2 := rostertest.CreateStudent(t, store, "Stu Two")
			rostertest.Link(t, store, s1.ID, b1.ID)
			rostertest.Link(t, store, s2.ID, b1.ID, b2.ID)

			r, err := syn.ReassignTeacher(ctx, b1.ID, t2.ID)
			require.NoError(t, err)
			assert.Equal(t, t1.ID, r.From)
			assert.Equal(t, []string{s1.ID}, r.Unlinked)

			assert.Equal(t, t2.ID, rostertest.MustBatch(t, store, b1.ID).Teacher)
			assert.Equal(t, []string{t2.ID}, rostertest.MustStudent(t, store, s1.ID).Teachers)
			assert.ElementsMatch(t, []string{t1.ID, t2.ID}, rostertest.MustStudent(t, store, s2.ID).Teachers)
			assert.Equal(t, []string{s2.ID}, rostertest.MustTeacher(t, store, t1.ID).Students)
			assert.Equal(t, []string{b2.ID}, rostertest.MustTeacher(t, store, t1.ID).Batches)
			assert.ElementsMatch(t, []string{s1.ID, s2.ID}, rostertest.MustTeacher(t, store, t2.ID).Students)
			assert.Equal(t, []string{b1.ID}, rostertest.MustTeacher(t, store, t2.ID).Batches)
			assertConsistent(t, syn)

			r, err = syn.ReassignTeacher(ctx, b1.ID, t2.ID)
			require.NoError(t, err)
			assert.Empty(t, r.Steps)

			r, err = syn.ReassignTeacher(ctx, b2.ID, "")
			require.NoError(t, err)
			assert.Equal(t, []string{s2.ID}, r.Unlinked)
			assert.Empty(t, rostertest.MustTeacher(t, store, t1.ID).Students)
			assertConsistent(t, syn)

			_, err = syn.ReassignTeacher(ctx, b1.ID, "ghost")
			assert.True(t, errors.Is(err, roster.ErrTeacherNotFound), "got %v", err)
			_, err = syn.ReassignTeacher(ctx, "missing", t1.ID)
			assert.True(t, errors.Is(err, roster.ErrBatchNotFound), "got %v", err)
		})
	}
}

func TestSynchronizer_ReassignTeacher_partialApply(t *testing.T) {
	ctx := context.Background()
	inner := inmemdb.Open(inmemdb.WithoutTransactions())
	t1 := rostertest.CreateTeacher(t, inner, "Tea One")
	t2 := rostertest.CreateTeacher(t, inner, "Tea Two")
	b1 := rostertest.CreateBatch(t, inner, "B1", t1.ID, 0)
	s := rostertest.CreateStudent(t, inner, "Stu Dent")
	rostertest.Link(t, inner, s.ID, b1.ID)

	// the student changes once the batch already points at the new teacher
	phone := "+243000000"
	store := &faultyStore{Store: inner, afterWrite: func(ctx context.Context, c roster.Collection, _ string) {
		require.Equal(t, roster.Batches, c)
		require.NoError(t, inner.UpdateOne(ctx, roster.Students, s.ID, roster.Mutation{Patch: roster.Patch{Phone: &phone}}))
	}}
	_, err := newSynchronizer(store).ReassignTeacher(ctx, b1.ID, t2.ID)
	var perr *PartialApplyError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)
	assert.Contains(t, err.Error(), string(roster.Students)+"/"+s.ID)
	require.Len(t, perr.Applied, 2)
	assert.Equal(t, roster.Batches, perr.Applied[0].Collection)
	require.NotEmpty(t, perr.Pending)
	assert.Equal(t, roster.Students, perr.Pending[0].Collection)
	assert.Equal(t, s.ID, perr.Pending[0].ID)
	assert.Equal(t, t2.ID, rostertest.MustBatch(t, inner, b1.ID).Teacher)

	syn := newSynchronizer(inner)
	vs, err := syn.Verify(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, vs)
	_, err = syn.Repair(ctx, false)
	require.NoError(t, err)
	assertConsistent(t, syn)
	assert.Equal(t, []string{t2.ID}, rostertest.MustStudent(t, inner, s.ID).Teachers)
}

func TestSynchronizer_EnrollDuringReassignTeacher(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inner := newStore()
			t1 := rostertest.CreateTeacher(t, inner, "Tea One")
			t2 := rostertest.CreateTeacher(t, inner, "Tea Two")
			b1 := rostertest.CreateBatch(t, inner, "B1", t1.ID, 0)
			s := rostertest.CreateStudent(t, inner, "Stu Dent")

			store := &faultyStore{Store: inner}
			syn := newSynchronizer(store)

			// the reassignment starts while the enrollment is planning against the old teacher
			reassigned := make(chan error, 1)
			store.afterBatches = func(context.Context) {
				go func() {
					_, err := syn.ReassignTeacher(ctx, b1.ID, t2.ID)
					reassigned <- err
				}()
				time.Sleep(50 * time.Millisecond)
			}

			_, err := syn.Enroll(ctx, s.ID, b1.ID)
			require.NoError(t, err)
			require.NoError(t, <-reassigned)

			assert.Equal(t, t2.ID, rostertest.MustBatch(t, inner, b1.ID).Teacher)
			assert.Equal(t, []string{t2.ID}, rostertest.MustStudent(t, inner, s.ID).Teachers)
			assert.Equal(t, []string{s.ID}, rostertest.MustTeacher(t, inner, t2.ID).Students)
			assert.Empty(t, rostertest.MustTeacher(t, inner, t1.ID).Students)
			assertConsistent(t, syn)
		})
	}
}

func TestSynchronizer_Reconcile_locksBatches(t *testing.T) {
	store := inmemdb.Open()
	locker := NewLocalLocker()
	syn := newSynchronizer(store, WithLocker(locker), WithLockWait(20*time.Millisecond))
	b := rostertest.CreateBatch(t, store, "B1", "", 0)
	s := rostertest.CreateStudent(t, store, "Stu Dent")

	unlock, err := locker.Lock(context.Background(), batchLockKey(b.ID))
	require.NoError(t, err)
	_, err = syn.Enroll(context.Background(), s.ID, b.ID)
	assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)
	_, err = syn.ReassignTeacher(context.Background(), b.ID, rostertest.CreateTeacher(t, store, "Tea Cher").ID)
	assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)
	assert.Empty(t, rostertest.MustStudent(t, store, s.ID).Batches)

	unlock()
	_, err = syn.Enroll(context.Background(), s.ID, b.ID)
	require.NoError(t, err)
	assertConsistent(t, syn)
}

func TestSynchronizer_VerifyRepair(t *testing.T) {
	ctx := context.Background()
	store := inmemdb.Open()
	syn := newSynchronizer(store)
	t1 := rostertest.CreateTeacher(t, store, "Tea One")
	b1 := rostertest.CreateBatch(t, store, "B1", t1.ID, 0)
	b2 := rostertest.CreateBatch(t, store, "B2", t1.ID, 0)
	s1 := rostertest.CreateStudent(t, store, "Stu One")
	s2 := rostertest.CreateStudent(t, store, "Stu Two")
	rostertest.Link(t, store, s1.ID, b1.ID)
	assertConsistent(t, syn)

	// dangling batch->student, lost teacher->student and an unknown batch on a student
	require.NoError(t, store.UpdateOne(ctx, roster.Batches, b2.ID, roster.AddToSet(roster.FieldStudents, s2.ID)))
	require.NoError(t, store.UpdateOne(ctx, roster.Teachers, t1.ID, roster.Pull(roster.FieldStudents, s1.ID)))
	require.NoError(t, store.UpdateOne(ctx, roster.Students, s1.ID, roster.AddToSet(roster.FieldBatches, "gone")))

	vs, err := syn.Verify(ctx)
	require.NoError(t, err)
	assert.Len(t, vs, 3)

	dry, err := syn.Repair(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, vs, dry)
	after, err := syn.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, vs, after)

	fixed, err := syn.Repair(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, vs, fixed)
	assertConsistent(t, syn)

	assert.Equal(t, []string{b1.ID}, rostertest.MustStudent(t, store, s1.ID).Batches)
	assert.Empty(t, rostertest.MustBatch(t, store, b2.ID).Students)
	assert.Equal(t, []string{s1.ID}, rostertest.MustTeacher(t, store, t1.ID).Students)
}

func TestParseMissingPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MissingPolicy
		wantErr bool
	}{
		{in: "", want: FailFast},
		{in: "fail-fast", want: FailFast},
		{in: " Skip ", want: SkipMissing},
		{in: "ignore", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMissingPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) MissingPolicy {
	t.Helper()
	p, err := ParseMissingPolicy(s)
	require.NoError(t, err)
	return p
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "k")
	assert.True(t, errors.Is(err, ErrReconciliationConflict), "got %v", err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "k")
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()
	unlock() // no-op
	<-acquired
	assert.Empty(t, l.locks)
}
