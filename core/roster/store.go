package roster

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
)

var (
	// errors
	ErrStudentNotFound = errors.New("student not found")
	ErrTeacherNotFound = errors.New("teacher not found")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrEmailExists     = errors.New("this email is already in use")

	// ErrVersionConflict is returned by UpdateOne when Mutation.IfVersion does not match the stored document.
	ErrVersionConflict = errors.New("document version conflict")
	// ErrNoTransactions is returned by WithTransaction when the store cannot run multi-document transactions.
	ErrNoTransactions = errors.New("transactions not supported")
	// ErrInvalidMutation is returned when a Mutation touches a field the collection does not have.
	ErrInvalidMutation = errors.New("invalid mutation")
)

type Collection string

const (
	Students Collection = "students"
	Teachers Collection = "teachers"
	Batches  Collection = "batches"
)

// NotFound returns the not-found error of the collection.
func (c Collection) NotFound() error {
	switch c {
	case Students:
		return ErrStudentNotFound
	case Teachers:
		return ErrTeacherNotFound
	default:
		return ErrBatchNotFound
	}
}

// Field names an ID-set field of a document.
type Field string

const (
	FieldBatches  Field = "batches"  // Student, Teacher
	FieldTeachers Field = "teachers" // Student
	FieldStudents Field = "students" // Teacher, Batch
)

var collectionFields = map[Collection][]Field{
	Students: {FieldBatches, FieldTeachers},
	Teachers: {FieldStudents, FieldBatches},
	Batches:  {FieldStudents},
}

var orderingFields = map[Collection][]string{
	Students: {"name", "email", "status", "created_at", "updated_at"},
	Teachers: {"name", "email", "status", "created_at", "updated_at"},
	Batches:  {"batch_name", "revenue", "start_date", "created_at", "updated_at"},
}

// Orderings drops the orderings on fields c cannot be sorted by.
func (c Collection) Orderings(ords []core.DBOrdering) []core.DBOrdering {
	valid := make([]core.DBOrdering, 0, len(ords))
	for _, ord := range ords {
		for _, f := range orderingFields[c] {
			if ord.Field == f {
				valid = append(valid, ord)
				break
			}
		}
	}
	return valid
}

func (c Collection) HasField(f Field) bool {
	for _, cf := range collectionFields[c] {
		if cf == f {
			return true
		}
	}
	return false
}

// Patch holds typed scalar updates; nil fields are left untouched.
type Patch struct {
	// Student, Teacher
	Name         *string
	Email        *string
	Phone        *string
	Status       *string
	PasswordHash []byte

	// Student
	School *string

	// Teacher
	Expertise *string

	// Batch
	BatchName *string
	Teacher   *string
	Revenue   *float64
	StartDate *time.Time
	EndDate   *time.Time
	Schedule  *Schedule
}

func (p Patch) IsZero() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil && p.Status == nil && p.PasswordHash == nil &&
		p.School == nil && p.Expertise == nil &&
		p.BatchName == nil && p.Teacher == nil && p.Revenue == nil && p.StartDate == nil && p.EndDate == nil &&
		p.Schedule == nil
}

func (p Patch) validate(c Collection) error {
	var bad string
	switch c {
	case Students:
		switch {
		case p.Expertise != nil:
			bad = "expertise"
		case p.BatchName != nil, p.Teacher != nil, p.Revenue != nil, p.StartDate != nil, p.EndDate != nil, p.Schedule != nil:
			bad = "batch fields"
		}
	case Teachers:
		switch {
		case p.School != nil:
			bad = "school"
		case p.BatchName != nil, p.Teacher != nil, p.Revenue != nil, p.StartDate != nil, p.EndDate != nil, p.Schedule != nil:
			bad = "batch fields"
		}
	case Batches:
		if p.Name != nil || p.Email != nil || p.Phone != nil || p.Status != nil || p.PasswordHash != nil ||
			p.School != nil || p.Expertise != nil {
			bad = "person fields"
		}
	}
	if bad != "" {
		return errors.Wrapf(ErrInvalidMutation, "%s cannot be set on %s", bad, c)
	}
	return nil
}

// Mutation is an atomic, document-level update: the store applies all of it or none of it.
// Set operations are idempotent: adding a present ID or pulling an absent one is a no-op.
type Mutation struct {
	AddToSet map[Field][]string
	Pull     map[Field][]string
	Replace  map[Field][]string // exact replacement, order preserved
	Patch    Patch
	// IfVersion, when > 0, makes the update fail with ErrVersionConflict unless the stored version matches.
	// Only students are versioned; every student write bumps the version.
	IfVersion int64
}

func AddToSet(f Field, ids ...string) Mutation {
	return Mutation{AddToSet: map[Field][]string{f: ids}}
}

func Pull(f Field, ids ...string) Mutation {
	return Mutation{Pull: map[Field][]string{f: ids}}
}

func (m Mutation) IsZero() bool {
	return len(m.AddToSet) == 0 && len(m.Pull) == 0 && len(m.Replace) == 0 && m.Patch.IsZero()
}

// Validate checks that m only touches fields of c and never adds and pulls the same field.
func (m Mutation) Validate(c Collection) error {
	for _, ops := range []map[Field][]string{m.AddToSet, m.Pull, m.Replace} {
		for f := range ops {
			if !c.HasField(f) {
				return errors.Wrapf(ErrInvalidMutation, "%s has no field %q", c, f)
			}
		}
	}
	for f := range m.Replace {
		if _, ok := m.AddToSet[f]; ok {
			return errors.Wrapf(ErrInvalidMutation, "%q is both replaced and added to", f)
		}
		if _, ok := m.Pull[f]; ok {
			return errors.Wrapf(ErrInvalidMutation, "%q is both replaced and pulled from", f)
		}
	}
	for f := range m.AddToSet {
		if _, ok := m.Pull[f]; ok {
			return errors.Wrapf(ErrInvalidMutation, "%q is both added to and pulled from", f)
		}
	}
	if m.IfVersion > 0 && c != Students {
		return errors.Wrapf(ErrInvalidMutation, "%s are not versioned", c)
	}
	return m.Patch.validate(c)
}

// ApplyIDs applies the set operations of m on field f to ids and returns the resulting slice.
// Store implementations without native set operators use it to stay consistent with each other.
func (m Mutation) ApplyIDs(f Field, ids []string) []string {
	if repl, ok := m.Replace[f]; ok {
		out := make([]string, len(repl))
		copy(out, repl)
		return out
	}
	out := make([]string, 0, len(ids)+len(m.AddToSet[f]))
	if pull := m.Pull[f]; len(pull) > 0 {
		drop := make(map[string]struct{}, len(pull))
		for _, id := range pull {
			drop[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := drop[id]; !ok {
				out = append(out, id)
			}
		}
	} else {
		out = append(out, ids...)
	}
	for _, id := range m.AddToSet[f] {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// Store is the persistence layer of students, teachers and batches.
type Store interface {
	CreateStudent(ctx context.Context, s Student) (Student, error)
	CreateTeacher(ctx context.Context, t Teacher) (Teacher, error)
	CreateBatch(ctx context.Context, b Batch) (Batch, error)

	FindStudentByID(ctx context.Context, id string) (Student, error)
	FindTeacherByID(ctx context.Context, id string) (Teacher, error)
	FindBatchByID(ctx context.Context, id string) (Batch, error)

	FindStudents(ctx context.Context, f Filter) ([]Student, error)
	FindTeachers(ctx context.Context, f Filter) ([]Teacher, error)
	FindBatches(ctx context.Context, f Filter) ([]Batch, error)

	// UpdateOne atomically applies m to the document id of c.
	// Returns the collection's not-found error when the document does not exist.
	UpdateOne(ctx context.Context, c Collection, id string, m Mutation) error

	// WithTransaction runs fn with a ctx bound to a transaction, committed if fn returns nil.
	// Stores without multi-document transactions return ErrNoTransactions without calling fn.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
