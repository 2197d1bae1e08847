package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

var _ roster.Store = (*DB)(nil) // interface compliance check

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func cloneStudent(s roster.Student) roster.Student {
	s.Batches = cloneIDs(s.Batches)
	s.Teachers = cloneIDs(s.Teachers)
	return s
}

func cloneTeacher(t roster.Teacher) roster.Teacher {
	t.Students = cloneIDs(t.Students)
	t.Batches = cloneIDs(t.Batches)
	return t
}

func cloneBatch(b roster.Batch) roster.Batch {
	b.Students = cloneIDs(b.Students)
	b.Schedule.Days = cloneIDs(b.Schedule.Days)
	return b
}

func (db *DB) CreateStudent(ctx context.Context, s roster.Student) (roster.Student, error) {
	err := db.write(ctx, func(t tables) error {
		now := db.now()
		s.ID = uuid.NewString()
		s.Version = 1
		s.CreatedAt = now
		s.UpdatedAt = now
		s = cloneStudent(s)
		cp := cloneStudent(s)
		t.students[s.ID] = &cp
		return nil
	})
	return s, err
}

func (db *DB) CreateTeacher(ctx context.Context, tc roster.Teacher) (roster.Teacher, error) {
	err := db.write(ctx, func(t tables) error {
		now := db.now()
		tc.ID = uuid.NewString()
		tc.CreatedAt = now
		tc.UpdatedAt = now
		tc = cloneTeacher(tc)
		cp := cloneTeacher(tc)
		t.teachers[tc.ID] = &cp
		return nil
	})
	return tc, err
}

func (db *DB) CreateBatch(ctx context.Context, b roster.Batch) (roster.Batch, error) {
	err := db.write(ctx, func(t tables) error {
		now := db.now()
		b.ID = uuid.NewString()
		b.CreatedAt = now
		b.UpdatedAt = now
		b = cloneBatch(b)
		cp := cloneBatch(b)
		t.batches[b.ID] = &cp
		return nil
	})
	return b, err
}

// Insert* keep the given ID and timestamps; used to seed fixtures.

func (db *DB) InsertStudent(s roster.Student) {
	_ = db.write(context.Background(), func(t tables) error {
		if s.Version == 0 {
			s.Version = 1
		}
		cp := cloneStudent(s)
		t.students[s.ID] = &cp
		return nil
	})
}

func (db *DB) InsertTeacher(tc roster.Teacher) {
	_ = db.write(context.Background(), func(t tables) error {
		cp := cloneTeacher(tc)
		t.teachers[tc.ID] = &cp
		return nil
	})
}

func (db *DB) InsertBatch(b roster.Batch) {
	_ = db.write(context.Background(), func(t tables) error {
		cp := cloneBatch(b)
		t.batches[b.ID] = &cp
		return nil
	})
}

func (db *DB) FindStudentByID(ctx context.Context, id string) (roster.Student, error) {
	var (
		s  roster.Student
		ok bool
	)
	db.read(ctx, func(t tables) {
		var ptr *roster.Student
		if ptr, ok = t.students[id]; ok {
			s = cloneStudent(*ptr)
		}
	})
	if !ok {
		return roster.Student{}, roster.ErrStudentNotFound
	}
	return s, nil
}

func (db *DB) FindTeacherByID(ctx context.Context, id string) (roster.Teacher, error) {
	var (
		tc roster.Teacher
		ok bool
	)
	db.read(ctx, func(t tables) {
		var ptr *roster.Teacher
		if ptr, ok = t.teachers[id]; ok {
			tc = cloneTeacher(*ptr)
		}
	})
	if !ok {
		return roster.Teacher{}, roster.ErrTeacherNotFound
	}
	return tc, nil
}

func (db *DB) FindBatchByID(ctx context.Context, id string) (roster.Batch, error) {
	var (
		b  roster.Batch
		ok bool
	)
	db.read(ctx, func(t tables) {
		var ptr *roster.Batch
		if ptr, ok = t.batches[id]; ok {
			b = cloneBatch(*ptr)
		}
	})
	if !ok {
		return roster.Batch{}, roster.ErrBatchNotFound
	}
	return b, nil
}

type matcher struct {
	f   roster.Filter
	ids core.StringSet
}

func newMatcher(f roster.Filter) matcher {
	m := matcher{f: f}
	if f.IDs != nil {
		m.ids = core.NewStringSet(f.IDs...)
	}
	return m
}

func (m matcher) match(id, email string, createdAt time.Time, searchable ...string) bool {
	if m.ids != nil && !m.ids.Has(id) {
		return false
	}
	if m.f.Email != "" && !strings.EqualFold(m.f.Email, email) {
		return false
	}
	if !m.f.CreatedFrom.IsZero() && createdAt.Before(m.f.CreatedFrom) {
		return false
	}
	if !m.f.CreatedTo.IsZero() && !createdAt.Before(m.f.CreatedTo) {
		return false
	}
	if m.f.Search != "" {
		search := strings.ToLower(m.f.Search)
		for _, s := range searchable {
			if strings.Contains(strings.ToLower(s), search) {
				return true
			}
		}
		return false
	}
	return true
}

func (db *DB) FindStudents(ctx context.Context, f roster.Filter) ([]roster.Student, error) {
	m := newMatcher(f)
	students := make([]roster.Student, 0)
	db.read(ctx, func(t tables) {
		for _, s := range t.students {
			if m.match(s.ID, s.Email, s.CreatedAt, s.Name, s.Email) {
				students = append(students, cloneStudent(*s))
			}
		}
	})
	ords := roster.Students.Orderings(f.Ordering)
	sort.SliceStable(students, func(i, j int) bool {
		a, b := students[i], students[j]
		return less(ords, a.ID, b.ID, a.CreatedAt, b.CreatedAt, func(field string) int {
			switch field {
			case "name":
				return strings.Compare(a.Name, b.Name)
			case "email":
				return strings.Compare(a.Email, b.Email)
			case "status":
				return strings.Compare(a.Status, b.Status)
			case "updated_at":
				return compareTime(a.UpdatedAt, b.UpdatedAt)
			}
			return compareTime(a.CreatedAt, b.CreatedAt)
		})
	})
	return students, nil
}

func (db *DB) FindTeachers(ctx context.Context, f roster.Filter) ([]roster.Teacher, error) {
	m := newMatcher(f)
	teachers := make([]roster.Teacher, 0)
	db.read(ctx, func(t tables) {
		for _, tc := range t.teachers {
			if m.match(tc.ID, tc.Email, tc.CreatedAt, tc.Name, tc.Email) {
				teachers = append(teachers, cloneTeacher(*tc))
			}
		}
	})
	ords := roster.Teachers.Orderings(f.Ordering)
	sort.SliceStable(teachers, func(i, j int) bool {
		a, b := teachers[i], teachers[j]
		return less(ords, a.ID, b.ID, a.CreatedAt, b.CreatedAt, func(field string) int {
			switch field {
			case "name":
				return strings.Compare(a.Name, b.Name)
			case "email":
				return strings.Compare(a.Email, b.Email)
			case "status":
				return strings.Compare(a.Status, b.Status)
			case "updated_at":
				return compareTime(a.UpdatedAt, b.UpdatedAt)
			}
			return compareTime(a.CreatedAt, b.CreatedAt)
		})
	})
	return teachers, nil
}

func (db *DB) FindBatches(ctx context.Context, f roster.Filter) ([]roster.Batch, error) {
	m := newMatcher(f)
	batches := make([]roster.Batch, 0)
	db.read(ctx, func(t tables) {
		for _, b := range t.batches {
			if f.Teacher != "" && b.Teacher != f.Teacher {
				continue
			}
			if m.match(b.ID, "", b.CreatedAt, b.BatchName) {
				batches = append(batches, cloneBatch(*b))
			}
		}
	})
	ords := roster.Batches.Orderings(f.Ordering)
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		return less(ords, a.ID, b.ID, a.CreatedAt, b.CreatedAt, func(field string) int {
			switch field {
			case "batch_name":
				return strings.Compare(a.BatchName, b.BatchName)
			case "revenue":
				return compareFloat(a.Revenue, b.Revenue)
			case "start_date":
				return compareTime(a.StartDate, b.StartDate)
			case "updated_at":
				return compareTime(a.UpdatedAt, b.UpdatedAt)
			}
			return compareTime(a.CreatedAt, b.CreatedAt)
		})
	})
	return batches, nil
}

// less orders by ords, then by creation time and ID.
func less(ords []core.DBOrdering, idA, idB string, createdA, createdB time.Time, cmp func(field string) int) bool {
	for _, ord := range ords {
		c := cmp(ord.Field)
		if c == 0 {
			continue
		}
		if ord.Ascending {
			return c < 0
		}
		return c > 0
	}
	if c := compareTime(createdA, createdB); c != 0 {
		return c < 0
	}
	return idA < idB
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func applyPersonPatch(p roster.Patch, name, email, phone, status *string, hash *[]byte) {
	if p.Name != nil {
		*name = *p.Name
	}
	if p.Email != nil {
		*email = *p.Email
	}
	if p.Phone != nil {
		*phone = *p.Phone
	}
	if p.Status != nil {
		*status = *p.Status
	}
	if p.PasswordHash != nil {
		*hash = p.PasswordHash
	}
}

func (db *DB) UpdateOne(ctx context.Context, c roster.Collection, id string, m roster.Mutation) error {
	if err := m.Validate(c); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "updating "+string(c))
	}

	return db.write(ctx, func(t tables) error {
		now := db.now()
		switch c {
		case roster.Students:
			s, ok := t.students[id]
			if !ok {
				return roster.ErrStudentNotFound
			}
			if m.IfVersion > 0 && s.Version != m.IfVersion {
				return errors.Wrapf(roster.ErrVersionConflict, "student %s is at version %d, not %d", id, s.Version, m.IfVersion)
			}
			s.Batches = m.ApplyIDs(roster.FieldBatches, s.Batches)
			s.Teachers = m.ApplyIDs(roster.FieldTeachers, s.Teachers)
			applyPersonPatch(m.Patch, &s.Name, &s.Email, &s.Phone, &s.Status, &s.PasswordHash)
			if m.Patch.School != nil {
				s.School = *m.Patch.School
			}
			s.Version++
			s.UpdatedAt = now
		case roster.Teachers:
			tc, ok := t.teachers[id]
			if !ok {
				return roster.ErrTeacherNotFound
			}
			tc.Students = m.ApplyIDs(roster.FieldStudents, tc.Students)
			tc.Batches = m.ApplyIDs(roster.FieldBatches, tc.Batches)
			applyPersonPatch(m.Patch, &tc.Name, &tc.Email, &tc.Phone, &tc.Status, &tc.PasswordHash)
			if m.Patch.Expertise != nil {
				tc.Expertise = *m.Patch.Expertise
			}
			tc.UpdatedAt = now
		case roster.Batches:
			b, ok := t.batches[id]
			if !ok {
				return roster.ErrBatchNotFound
			}
			b.Students = m.ApplyIDs(roster.FieldStudents, b.Students)
			p := m.Patch
			if p.BatchName != nil {
				b.BatchName = *p.BatchName
			}
			if p.Teacher != nil {
				b.Teacher = *p.Teacher
			}
			if p.Revenue != nil {
				b.Revenue = *p.Revenue
			}
			if p.StartDate != nil {
				b.StartDate = *p.StartDate
			}
			if p.EndDate != nil {
				b.EndDate = *p.EndDate
			}
			if p.Schedule != nil {
				b.Schedule = *p.Schedule
				b.Schedule.Days = cloneIDs(p.Schedule.Days)
			}
			b.UpdatedAt = now
		default:
			return errors.Wrapf(roster.ErrInvalidMutation, "unknown collection %q", c)
		}
		return nil
	})
}
