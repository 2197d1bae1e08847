// Package enrollment keeps the student, batch and teacher membership sets consistent with each other.
package enrollment

import (
	"context"
	"sort"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

const DefaultLockWait = 5 * time.Second

// Synchronizer applies batch membership changes to the three sides of the relation.
type Synchronizer struct {
	svc      *roster.Service
	store    roster.Store
	locker   Locker
	policy   MissingPolicy
	lockWait time.Duration
	logger   core.Logger
}

type Option func(syn *Synchronizer)

// WithLocker replaces the process-local locker, e.g. by a distributed one.
func WithLocker(l Locker) Option {
	return func(syn *Synchronizer) { syn.locker = l }
}

func WithMissingPolicy(p MissingPolicy) Option {
	return func(syn *Synchronizer) { syn.policy = p }
}

// WithLockWait bounds how long a reconciliation waits for another one on the same student.
func WithLockWait(d time.Duration) Option {
	return func(syn *Synchronizer) { syn.lockWait = d }
}

func WithLogger(l core.Logger) Option {
	return func(syn *Synchronizer) { syn.logger = l }
}

func NewSynchronizer(svc *roster.Service, opts ...Option) *Synchronizer {
	vala.BeginValidation().Validate(
		vala.IsNotNil(svc, "svc"),
	).CheckAndPanic()

	syn := &Synchronizer{
		svc:      svc,
		store:    svc.Store(),
		locker:   NewLocalLocker(),
		policy:   FailFast,
		lockWait: DefaultLockWait,
	}
	for _, opt := range opts {
		opt(syn)
	}
	return syn
}

func (syn *Synchronizer) Policy() MissingPolicy { return syn.policy }

// lock acquires the student locks in ascending ID order.
func (syn *Synchronizer) lock(ctx context.Context, studentIDs ...string) (func(), error) {
	return syn.lockKeys(ctx, studentLockKey, studentIDs)
}

// lockBatches acquires the batch locks in ascending ID order.
// Student locks are always taken before batch locks.
func (syn *Synchronizer) lockBatches(ctx context.Context, batchIDs ...string) (func(), error) {
	return syn.lockKeys(ctx, batchLockKey, batchIDs)
}

func (syn *Synchronizer) lockKeys(ctx context.Context, key func(id string) string, ids []string) (func(), error) {
	sorted := core.NewStringSet(ids...).Sorted()
	unlocks := make([]func(), 0, len(sorted))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	lctx := ctx
	if syn.lockWait > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, syn.lockWait)
		defer cancel()
	}
	for _, id := range sorted {
		unlock, err := syn.locker.Lock(lctx, key(id))
		if err != nil {
			unlockAll()
			if errors.Is(err, ErrReconciliationConflict) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrReconciliationConflict, "locking %s: %v", key(id), err)
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

// Plan computes, without writing anything, the changes moving studentID from oldIDs to newIDs.
func (syn *Synchronizer) Plan(ctx context.Context, studentID string, oldIDs, newIDs []string) (Plan, error) {
	student, err := syn.store.FindStudentByID(ctx, studentID)
	if err != nil {
		return Plan{}, err
	}
	return syn.plan(ctx, student, oldIDs, newIDs)
}

// Reconcile makes newIDs the batch membership of studentID, diffing against the stored membership.
func (syn *Synchronizer) Reconcile(ctx context.Context, studentID string, newIDs []string) (Plan, error) {
	return syn.reconcile(ctx, studentID, func(s roster.Student) ([]string, []string) {
		return s.Batches, newIDs
	})
}

// ReconcileFrom diffs newIDs against the caller-supplied oldIDs instead of the stored membership.
// Callers that hold a snapshot of the student use it to apply exactly the change they observed.
func (syn *Synchronizer) ReconcileFrom(ctx context.Context, studentID string, oldIDs, newIDs []string) (Plan, error) {
	return syn.reconcile(ctx, studentID, func(roster.Student) ([]string, []string) {
		return oldIDs, newIDs
	})
}

// Enroll adds batchIDs to the membership of studentID.
func (syn *Synchronizer) Enroll(ctx context.Context, studentID string, batchIDs ...string) (Plan, error) {
	return syn.reconcile(ctx, studentID, func(s roster.Student) ([]string, []string) {
		return s.Batches, append(append([]string{}, s.Batches...), batchIDs...)
	})
}

// Withdraw removes batchIDs from the membership of studentID.
func (syn *Synchronizer) Withdraw(ctx context.Context, studentID string, batchIDs ...string) (Plan, error) {
	return syn.reconcile(ctx, studentID, func(s roster.Student) ([]string, []string) {
		drop := core.NewStringSet(batchIDs...)
		kept := make([]string, 0, len(s.Batches))
		for _, id := range s.Batches {
			if !drop.Has(id) {
				kept = append(kept, id)
			}
		}
		return s.Batches, kept
	})
}

func (syn *Synchronizer) reconcile(
	ctx context.Context,
	studentID string,
	membership func(s roster.Student) (oldIDs, newIDs []string),
) (Plan, error) {
	unlock, err := syn.lock(ctx, studentID)
	if err != nil {
		return Plan{}, err
	}
	defer unlock()

	// the teachers of every batch the plan looks at must hold still until it is applied
	student, err := syn.store.FindStudentByID(ctx, studentID)
	if err != nil {
		return Plan{}, err
	}
	oldIDs, newIDs := membership(student)
	unlockBatches, err := syn.lockBatches(ctx, append(append(append([]string{}, student.Batches...), oldIDs...), newIDs...)...)
	if err != nil {
		return Plan{}, err
	}
	defer unlockBatches()

	return syn.reconcileLocked(ctx, studentID, membership)
}

// reconcileLocked reads, plans and applies in one transaction when the store has them.
// The caller holds the student lock and the locks of the batches involved.
func (syn *Synchronizer) reconcileLocked(
	ctx context.Context,
	studentID string,
	membership func(s roster.Student) (oldIDs, newIDs []string),
) (Plan, error) {
	var p Plan
	_, err := roster.RunInTransaction(ctx, syn.store, func(ctx context.Context) error {
		student, err := syn.store.FindStudentByID(ctx, studentID)
		if err != nil {
			return err
		}
		oldIDs, newIDs := membership(student)
		if p, err = syn.plan(ctx, student, oldIDs, newIDs); err != nil {
			return err
		}
		return syn.apply(ctx, studentID, p.Steps)
	})
	return p, err
}

// Admit creates a student and enrolls them in ns.Batches.
// With a transactional store nothing is created unless the enrollment succeeds.
func (syn *Synchronizer) Admit(ctx context.Context, ns roster.NewStudent) (roster.Student, Plan, error) {
	if err := syn.svc.ValidateNewStudent(ctx, &ns); err != nil {
		return roster.Student{}, Plan{}, err
	}
	if syn.policy == FailFast {
		found, err := syn.resolveBatches(ctx, ns.Batches)
		if err != nil {
			return roster.Student{}, Plan{}, err
		}
		for _, id := range ns.Batches {
			if _, ok := found[id]; !ok {
				return roster.Student{}, Plan{}, errors.Wrapf(roster.ErrBatchNotFound, "batch %s", id)
			}
		}
	}

	// never wait for a lock inside the transaction
	unlockBatches, err := syn.lockBatches(ctx, ns.Batches...)
	if err != nil {
		return roster.Student{}, Plan{}, err
	}
	defer unlockBatches()

	var (
		student roster.Student
		p       Plan
	)
	_, err = roster.RunInTransaction(ctx, syn.store, func(ctx context.Context) error {
		var err error
		if student, err = syn.svc.CreateStudent(ctx, ns); err != nil {
			return err
		}
		unlock, err := syn.lock(ctx, student.ID)
		if err != nil {
			return err
		}
		defer unlock()
		p, err = syn.reconcileLocked(ctx, student.ID, func(s roster.Student) ([]string, []string) {
			return s.Batches, ns.Batches
		})
		return err
	})
	if err != nil {
		return student, p, err
	}
	if student, err = syn.store.FindStudentByID(ctx, student.ID); err != nil {
		return roster.Student{}, p, err
	}
	return student, p, nil
}

// apply runs steps in a transaction when the store has them, in order otherwise.
// A version conflict is a plain ErrReconciliationConflict unless earlier steps already landed
// outside a transaction, in which case it is reported as a PartialApplyError like any other failure.
func (syn *Synchronizer) apply(ctx context.Context, studentID string, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}

	var applied int
	transactional, err := roster.RunInTransaction(ctx, syn.store, func(ctx context.Context) error {
		applied = 0
		for _, s := range steps {
			if err := syn.store.UpdateOne(ctx, s.Collection, s.ID, s.Mutation); err != nil {
				return errors.Wrapf(err, "applying %s", s)
			}
			applied++
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, roster.ErrVersionConflict) && applied < len(steps) {
		failed := steps[applied]
		err = errors.Wrapf(ErrReconciliationConflict, "%s/%s changed while applying: %v", failed.Collection, failed.ID, err)
	}
	if transactional || applied == 0 {
		return err
	}

	perr := &PartialApplyError{
		StudentID: studentID,
		Applied:   steps[:applied],
		Pending:   steps[applied:],
		Err:       err,
	}
	if syn.logger != nil {
		syn.logger.Warn("enrollment partially applied", err, map[string]interface{}{
			"student": studentID,
			"applied": len(perr.Applied),
			"pending": len(perr.Pending),
		})
	}
	return perr
}

// Reassignment describes a change of the teacher owning a batch.
type Reassignment struct {
	BatchID  string   `json:"batch_id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Students []string `json:"students"`
	Unlinked []string `json:"unlinked"` // students the previous teacher no longer has
	Steps    []Step   `json:"-"`
}

const reassignAttempts = 3

// ReassignTeacher hands batchID over to teacherID (empty to leave it without a teacher),
// updating Student.teachers and both teachers' sets under the locks of the batch and every enrolled student.
func (syn *Synchronizer) ReassignTeacher(ctx context.Context, batchID, teacherID string) (Reassignment, error) {
	teacherID = core.CleanString(teacherID)
	if teacherID != "" {
		if _, err := syn.store.FindTeacherByID(ctx, teacherID); err != nil {
			return Reassignment{}, err
		}
	}

	for attempt := 0; attempt < reassignAttempts; attempt++ {
		b, err := syn.store.FindBatchByID(ctx, batchID)
		if err != nil {
			return Reassignment{}, err
		}
		if b.Teacher == teacherID {
			return Reassignment{BatchID: b.ID, From: b.Teacher, To: teacherID, Students: b.Students}, nil
		}

		unlock, err := syn.lock(ctx, b.Students...)
		if err != nil {
			return Reassignment{}, err
		}
		unlockBatch, err := syn.lockBatches(ctx, batchID)
		if err != nil {
			unlock()
			return Reassignment{}, err
		}
		unlockAll := func() {
			unlockBatch()
			unlock()
		}

		locked, err := syn.store.FindBatchByID(ctx, batchID)
		if err != nil {
			unlockAll()
			return Reassignment{}, err
		}
		if locked.Teacher != b.Teacher || !core.NewStringSet(locked.Students...).Equal(core.NewStringSet(b.Students...)) {
			unlockAll()
			continue
		}
		r, err := syn.reassign(ctx, locked, teacherID)
		unlockAll()
		return r, err
	}
	return Reassignment{}, errors.Wrapf(ErrReconciliationConflict, "batch %s kept changing", batchID)
}

func (syn *Synchronizer) reassign(ctx context.Context, b roster.Batch, to string) (Reassignment, error) {
	r := Reassignment{BatchID: b.ID, From: b.Teacher, To: to, Students: b.Students}

	var students []roster.Student
	if len(b.Students) > 0 {
		var err error
		if students, err = syn.store.FindStudents(ctx, roster.Filter{IDs: b.Students}); err != nil {
			return r, errors.Wrap(err, "finding enrolled students")
		}
	}
	var memberships []string
	for _, s := range students {
		memberships = append(memberships, s.Batches...)
	}
	others, err := syn.resolveBatches(ctx, core.UniqueStrings(memberships))
	if err != nil {
		return r, err
	}
	owner := func(batchID string) string {
		if batchID == b.ID {
			return to
		}
		return others[batchID].Teacher
	}

	patch := roster.Mutation{Patch: roster.Patch{Teacher: &to}}
	r.Steps = append(r.Steps, Step{roster.Batches, b.ID, patch})
	if to != "" {
		r.Steps = append(r.Steps, Step{roster.Teachers, to, roster.Mutation{
			AddToSet: map[roster.Field][]string{
				roster.FieldBatches:  {b.ID},
				roster.FieldStudents: b.Students,
			},
		}})
	}

	for _, s := range students {
		teachers := make([]string, 0, len(s.Batches))
		seen := core.NewStringSet()
		keepsFrom := false
		for _, bid := range s.Batches {
			t := owner(bid)
			if bid != b.ID && t == r.From && r.From != "" {
				keepsFrom = true
			}
			if t == "" || seen.Has(t) {
				continue
			}
			seen.Add(t)
			teachers = append(teachers, t)
		}
		if !keepsFrom && r.From != "" {
			r.Unlinked = append(r.Unlinked, s.ID)
		}
		if seen.Equal(core.NewStringSet(s.Teachers...)) {
			continue
		}
		r.Steps = append(r.Steps, Step{roster.Students, s.ID, roster.Mutation{
			Replace:   map[roster.Field][]string{roster.FieldTeachers: teachers},
			IfVersion: s.Version,
		}})
	}
	sort.Strings(r.Unlinked)

	if r.From != "" {
		if _, err := syn.store.FindTeacherByID(ctx, r.From); err == nil {
			m := roster.Pull(roster.FieldBatches, b.ID)
			if len(r.Unlinked) > 0 {
				m.Pull[roster.FieldStudents] = r.Unlinked
			}
			r.Steps = append(r.Steps, Step{roster.Teachers, r.From, m})
		} else if !errors.Is(err, roster.ErrTeacherNotFound) {
			return r, errors.Wrap(err, "finding previous teacher")
		}
	}

	if err := syn.apply(ctx, "", r.Steps); err != nil {
		return r, err
	}
	return r, nil
}
