package enrollment

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

// Violation is a broken membership invariant found by Verify.
type Violation struct {
	Collection roster.Collection `json:"collection"`
	ID         string            `json:"id"`
	Field      roster.Field      `json:"field"`
	Message    string            `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s/%s %s: %s", v.Collection, v.ID, v.Field, v.Message)
}

type snapshot struct {
	students    []roster.Student
	teachers    []roster.Teacher
	batches     []roster.Batch
	batchByID   map[string]roster.Batch
	teacherByID map[string]roster.Teacher
}

func (syn *Synchronizer) snapshot(ctx context.Context) (snapshot, error) {
	var (
		snap snapshot
		err  error
	)
	if snap.students, err = syn.store.FindStudents(ctx, roster.Filter{}); err != nil {
		return snap, errors.Wrap(err, "loading students")
	}
	if snap.teachers, err = syn.store.FindTeachers(ctx, roster.Filter{}); err != nil {
		return snap, errors.Wrap(err, "loading teachers")
	}
	if snap.batches, err = syn.store.FindBatches(ctx, roster.Filter{}); err != nil {
		return snap, errors.Wrap(err, "loading batches")
	}
	snap.batchByID = make(map[string]roster.Batch, len(snap.batches))
	for _, b := range snap.batches {
		snap.batchByID[b.ID] = b
	}
	snap.teacherByID = make(map[string]roster.Teacher, len(snap.teachers))
	for _, t := range snap.teachers {
		snap.teacherByID[t.ID] = t
	}
	return snap, nil
}

// expected holds the sets derived from Student.batches and Batch.teacher.
type expected struct {
	studentBatches  map[string][]string
	studentTeachers map[string][]string
	batchStudents   map[string]core.StringSet
	teacherStudents map[string]core.StringSet
	teacherBatches  map[string]core.StringSet
}

func (snap snapshot) derive() expected {
	exp := expected{
		studentBatches:  make(map[string][]string, len(snap.students)),
		studentTeachers: make(map[string][]string, len(snap.students)),
		batchStudents:   make(map[string]core.StringSet, len(snap.batches)),
		teacherStudents: make(map[string]core.StringSet, len(snap.teachers)),
		teacherBatches:  make(map[string]core.StringSet, len(snap.teachers)),
	}
	for _, b := range snap.batches {
		exp.batchStudents[b.ID] = core.NewStringSet()
	}
	for _, t := range snap.teachers {
		exp.teacherStudents[t.ID] = core.NewStringSet()
		exp.teacherBatches[t.ID] = core.NewStringSet()
	}
	for _, b := range snap.batches {
		if _, ok := snap.teacherByID[b.Teacher]; ok {
			exp.teacherBatches[b.Teacher].Add(b.ID)
		}
	}

	for _, s := range snap.students {
		batches := make([]string, 0, len(s.Batches))
		teachers := make([]string, 0, len(s.Batches))
		seen := core.NewStringSet()
		for _, bid := range core.UniqueStrings(s.Batches) {
			b, ok := snap.batchByID[bid]
			if !ok {
				continue
			}
			batches = append(batches, bid)
			exp.batchStudents[bid].Add(s.ID)
			if _, ok = snap.teacherByID[b.Teacher]; !ok {
				continue
			}
			exp.teacherStudents[b.Teacher].Add(s.ID)
			if !seen.Has(b.Teacher) {
				seen.Add(b.Teacher)
				teachers = append(teachers, b.Teacher)
			}
		}
		exp.studentBatches[s.ID] = batches
		exp.studentTeachers[s.ID] = teachers
	}
	return exp
}

func hasDuplicates(ids []string) bool {
	return len(core.UniqueStrings(ids)) != len(ids)
}

func diffMessage(got []string, want core.StringSet) string {
	gotSet := core.NewStringSet(got...)
	return fmt.Sprintf("missing %v, unexpected %v", want.Minus(gotSet).Sorted(), gotSet.Minus(want).Sorted())
}

func (snap snapshot) violations(exp expected) []Violation {
	var vs []Violation
	add := func(c roster.Collection, id string, f roster.Field, format string, args ...interface{}) {
		vs = append(vs, Violation{Collection: c, ID: id, Field: f, Message: fmt.Sprintf(format, args...)})
	}

	for _, s := range snap.students {
		if hasDuplicates(s.Batches) {
			add(roster.Students, s.ID, roster.FieldBatches, "duplicate batch IDs")
		}
		for _, bid := range s.Batches {
			b, ok := snap.batchByID[bid]
			switch {
			case !ok:
				add(roster.Students, s.ID, roster.FieldBatches, "unknown batch %s", bid)
			case !b.HasStudent(s.ID):
				add(roster.Students, s.ID, roster.FieldBatches, "batch %s does not list the student", bid)
			}
		}
		want := core.NewStringSet(exp.studentTeachers[s.ID]...)
		if hasDuplicates(s.Teachers) || !want.Equal(core.NewStringSet(s.Teachers...)) {
			add(roster.Students, s.ID, roster.FieldTeachers, diffMessage(s.Teachers, want))
		}
	}

	for _, b := range snap.batches {
		if b.Teacher != "" {
			if _, ok := snap.teacherByID[b.Teacher]; !ok {
				add(roster.Batches, b.ID, "teacher", "unknown teacher %s", b.Teacher)
			}
		}
		want := exp.batchStudents[b.ID]
		if hasDuplicates(b.Students) || !want.Equal(core.NewStringSet(b.Students...)) {
			add(roster.Batches, b.ID, roster.FieldStudents, diffMessage(b.Students, want))
		}
	}

	for _, t := range snap.teachers {
		want := exp.teacherStudents[t.ID]
		if hasDuplicates(t.Students) || !want.Equal(core.NewStringSet(t.Students...)) {
			add(roster.Teachers, t.ID, roster.FieldStudents, diffMessage(t.Students, want))
		}
		want = exp.teacherBatches[t.ID]
		if hasDuplicates(t.Batches) || !want.Equal(core.NewStringSet(t.Batches...)) {
			add(roster.Teachers, t.ID, roster.FieldBatches, diffMessage(t.Batches, want))
		}
	}
	return vs
}

// Verify reports every document whose membership sets disagree with Student.batches and Batch.teacher.
func (syn *Synchronizer) Verify(ctx context.Context) ([]Violation, error) {
	snap, err := syn.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.violations(snap.derive()), nil
}

// merged keeps the members of current that belong to want in their order, then appends the rest sorted.
func merged(current []string, want core.StringSet) []string {
	out := make([]string, 0, want.Len())
	kept := core.NewStringSet()
	for _, id := range current {
		if want.Has(id) && !kept.Has(id) {
			kept.Add(id)
			out = append(out, id)
		}
	}
	for _, id := range want.Minus(kept).Sorted() {
		out = append(out, id)
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Repair rebuilds every derived set from Student.batches and Batch.teacher, then returns the violations it fixed.
// With dryRun it only reports them.
func (syn *Synchronizer) Repair(ctx context.Context, dryRun bool) ([]Violation, error) {
	snap, err := syn.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	exp := snap.derive()
	vs := snap.violations(exp)
	if dryRun || len(vs) == 0 {
		return vs, nil
	}

	var steps []Step
	for _, s := range snap.students {
		batches, teachers := exp.studentBatches[s.ID], exp.studentTeachers[s.ID]
		if sameIDs(s.Batches, batches) && sameIDs(s.Teachers, merged(s.Teachers, core.NewStringSet(teachers...))) {
			continue
		}
		steps = append(steps, Step{roster.Students, s.ID, roster.Mutation{
			Replace: map[roster.Field][]string{
				roster.FieldBatches:  batches,
				roster.FieldTeachers: teachers,
			},
			IfVersion: s.Version,
		}})
	}
	for _, b := range snap.batches {
		want := merged(b.Students, exp.batchStudents[b.ID])
		if !sameIDs(b.Students, want) {
			steps = append(steps, Step{roster.Batches, b.ID, roster.Mutation{
				Replace: map[roster.Field][]string{roster.FieldStudents: want},
			}})
		}
	}
	for _, t := range snap.teachers {
		m := roster.Mutation{Replace: map[roster.Field][]string{}}
		if want := merged(t.Students, exp.teacherStudents[t.ID]); !sameIDs(t.Students, want) {
			m.Replace[roster.FieldStudents] = want
		}
		if want := merged(t.Batches, exp.teacherBatches[t.ID]); !sameIDs(t.Batches, want) {
			m.Replace[roster.FieldBatches] = want
		}
		if len(m.Replace) > 0 {
			steps = append(steps, Step{roster.Teachers, t.ID, m})
		}
	}

	if err = syn.apply(ctx, "", steps); err != nil {
		return vs, errors.Wrap(err, "repairing memberships")
	}
	if syn.logger != nil {
		syn.logger.Info("memberships repaired", map[string]interface{}{"violations": len(vs), "writes": len(steps)})
	}
	return vs, nil
}
