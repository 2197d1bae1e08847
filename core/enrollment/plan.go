package enrollment

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

// Step is one document-level write of a plan.
type Step struct {
	Collection roster.Collection
	ID         string
	Mutation   roster.Mutation
}

func (s Step) String() string {
	var ops []string
	for f, ids := range s.Mutation.Replace {
		ops = append(ops, fmt.Sprintf("set %s=[%s]", f, strings.Join(ids, ",")))
	}
	for f, ids := range s.Mutation.AddToSet {
		ops = append(ops, fmt.Sprintf("add %s to %s", strings.Join(ids, ","), f))
	}
	for f, ids := range s.Mutation.Pull {
		ops = append(ops, fmt.Sprintf("pull %s from %s", strings.Join(ids, ","), f))
	}
	if s.Mutation.Patch.Teacher != nil {
		ops = append(ops, fmt.Sprintf("set teacher=%q", *s.Mutation.Patch.Teacher))
	}
	return fmt.Sprintf("%s/%s: %s", s.Collection, s.ID, strings.Join(ops, ", "))
}

// Plan is the set of writes that moves a student from one batch membership to another.
type Plan struct {
	StudentID          string         `json:"student_id"`
	RemovedFrom        []roster.Batch `json:"removed_from"`
	AddedTo            []roster.Batch `json:"added_to"`
	TeacherIDsToUnlink []string       `json:"teacher_ids_to_unlink"`
	TeacherIDsToLink   []string       `json:"teacher_ids_to_link"`
	Batches            []string       `json:"batches"`  // resulting Student.batches
	Teachers           []string       `json:"teachers"` // resulting Student.teachers
	Skipped            []string       `json:"skipped,omitempty"`
	Steps              []Step         `json:"-"`
}

func (p Plan) IsNoop() bool {
	return len(p.Steps) == 0
}

func batchIDs(bs []roster.Batch) []string {
	ids := make([]string, 0, len(bs))
	for _, b := range bs {
		ids = append(ids, b.ID)
	}
	return ids
}

func (syn *Synchronizer) resolveBatches(ctx context.Context, ids []string) (map[string]roster.Batch, error) {
	found := make(map[string]roster.Batch, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	batches, err := syn.store.FindBatches(ctx, roster.Filter{IDs: ids})
	if err != nil {
		return nil, errors.Wrap(err, "resolving batches")
	}
	for _, b := range batches {
		found[b.ID] = b
	}
	return found, nil
}

func (syn *Synchronizer) resolveTeachers(ctx context.Context, ids []string) (core.StringSet, error) {
	found := core.NewStringSet()
	if len(ids) == 0 {
		return found, nil
	}
	teachers, err := syn.store.FindTeachers(ctx, roster.Filter{IDs: ids})
	if err != nil {
		return nil, errors.Wrap(err, "resolving teachers")
	}
	for _, t := range teachers {
		found.Add(t.ID)
	}
	return found, nil
}

// plan computes the writes moving student from oldIDs to newIDs.
// Removed batches are pulled from, added ones added to, and a teacher keeps the student
// as long as any remaining batch is theirs.
func (syn *Synchronizer) plan(ctx context.Context, student roster.Student, oldIDs, newIDs []string) (Plan, error) {
	oldIDs = core.UniqueStrings(oldIDs)
	newIDs = core.UniqueStrings(newIDs)
	p := Plan{StudentID: student.ID}

	all := core.UniqueStrings(append(append([]string{}, oldIDs...), newIDs...))
	found, err := syn.resolveBatches(ctx, all)
	if err != nil {
		return Plan{}, err
	}

	final := make([]roster.Batch, 0, len(newIDs))
	for _, id := range newIDs {
		b, ok := found[id]
		if !ok {
			if syn.policy == FailFast {
				return Plan{}, errors.Wrapf(roster.ErrBatchNotFound, "batch %s", id)
			}
			p.Skipped = append(p.Skipped, id)
			continue
		}
		final = append(final, b)
	}
	p.Batches = batchIDs(final)
	oldSet, finalSet := core.NewStringSet(oldIDs...), core.NewStringSet(p.Batches...)

	for _, id := range oldIDs {
		if b, ok := found[id]; ok && !finalSet.Has(id) {
			p.RemovedFrom = append(p.RemovedFrom, b)
		}
	}
	for _, b := range final {
		if !oldSet.Has(b.ID) {
			p.AddedTo = append(p.AddedTo, b)
		}
	}

	teacherIDs := make([]string, 0, len(final)+len(p.RemovedFrom))
	for _, b := range final {
		teacherIDs = append(teacherIDs, b.Teacher)
	}
	for _, b := range p.RemovedFrom {
		teacherIDs = append(teacherIDs, b.Teacher)
	}
	existing, err := syn.resolveTeachers(ctx, core.UniqueStrings(teacherIDs))
	if err != nil {
		return Plan{}, err
	}

	retained := core.NewStringSet()
	for _, b := range final {
		if b.Teacher == "" || retained.Has(b.Teacher) {
			continue
		}
		if !existing.Has(b.Teacher) {
			if syn.policy == FailFast && !oldSet.Has(b.ID) {
				return Plan{}, errors.Wrapf(roster.ErrTeacherNotFound, "teacher %s of batch %s", b.Teacher, b.ID)
			}
			continue
		}
		retained.Add(b.Teacher)
		p.Teachers = append(p.Teachers, b.Teacher)
	}
	if p.Teachers == nil {
		p.Teachers = []string{}
	}

	linked := core.NewStringSet()
	for _, b := range p.AddedTo {
		if retained.Has(b.Teacher) && !linked.Has(b.Teacher) {
			linked.Add(b.Teacher)
			p.TeacherIDsToLink = append(p.TeacherIDsToLink, b.Teacher)
		}
	}
	unlinked := core.NewStringSet()
	for _, b := range p.RemovedFrom {
		t := b.Teacher
		if t == "" || !existing.Has(t) || retained.Has(t) || unlinked.Has(t) {
			continue
		}
		unlinked.Add(t)
		p.TeacherIDsToUnlink = append(p.TeacherIDsToUnlink, t)
	}

	if oldSet.Equal(finalSet) {
		return p, nil
	}
	p.Steps = p.steps(student.Version)
	return p, nil
}

// steps writes the student first, guarded by its version, then the additions, then the removals.
// Student.batches is authoritative: Repair rebuilds everything else from it.
func (p Plan) steps(version int64) []Step {
	steps := []Step{{
		Collection: roster.Students,
		ID:         p.StudentID,
		Mutation: roster.Mutation{
			Replace: map[roster.Field][]string{
				roster.FieldBatches:  p.Batches,
				roster.FieldTeachers: p.Teachers,
			},
			IfVersion: version,
		},
	}}
	for _, b := range p.AddedTo {
		steps = append(steps, Step{roster.Batches, b.ID, roster.AddToSet(roster.FieldStudents, p.StudentID)})
	}
	for _, t := range p.TeacherIDsToLink {
		steps = append(steps, Step{roster.Teachers, t, roster.AddToSet(roster.FieldStudents, p.StudentID)})
	}
	for _, b := range p.RemovedFrom {
		steps = append(steps, Step{roster.Batches, b.ID, roster.Pull(roster.FieldStudents, p.StudentID)})
	}
	for _, t := range p.TeacherIDsToUnlink {
		steps = append(steps, Step{roster.Teachers, t, roster.Pull(roster.FieldStudents, p.StudentID)})
	}
	return steps
}
