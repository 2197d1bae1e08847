package roster

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
)

// Service handles identity and scalar fields of the roster.
// Batch membership and batch ownership are only changed through the enrollment synchronizer.
type Service struct {
	store    Store
	validate *validator.Validate
}

func NewService(store Store, validate *validator.Validate) *Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(store, "store"),
		vala.IsNotNil(validate, "validate"),
	).CheckAndPanic()
	return &Service{store: store, validate: validate}
}

func (svc *Service) Store() Store { return svc.store }

// RunInTransaction runs fn inside a store transaction when the store supports them, directly otherwise.
func RunInTransaction(ctx context.Context, store Store, fn func(ctx context.Context) error) (transactional bool, err error) {
	err = store.WithTransaction(ctx, fn)
	if errors.Is(err, ErrNoTransactions) {
		return false, fn(ctx)
	}
	return true, err
}

func (svc *Service) checkStudentEmail(ctx context.Context, email, excludedID string) error {
	students, err := svc.store.FindStudents(ctx, Filter{Email: email})
	if err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	for _, s := range students {
		if s.ID != excludedID {
			return core.NewFieldValidationError("email", ErrEmailExists)
		}
	}
	return nil
}

func (svc *Service) checkTeacherEmail(ctx context.Context, email, excludedID string) error {
	teachers, err := svc.store.FindTeachers(ctx, Filter{Email: email})
	if err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	for _, t := range teachers {
		if t.ID != excludedID {
			return core.NewFieldValidationError("email", ErrEmailExists)
		}
	}
	return nil
}

// ValidateNewStudent cleans and validates ns in place.
func (svc *Service) ValidateNewStudent(ctx context.Context, ns *NewStudent) error {
	ns.clean()
	if err := svc.validate.Struct(ns); err != nil {
		return err
	}
	return svc.checkStudentEmail(ctx, ns.Email, "")
}

// CreateStudent creates a student without any batch; ns.Batches is ignored.
// Use enrollment.Synchronizer.Admit to create and enroll at once.
func (svc *Service) CreateStudent(ctx context.Context, ns NewStudent) (Student, error) {
	if err := svc.ValidateNewStudent(ctx, &ns); err != nil {
		return Student{}, err
	}
	s := Student{
		Name:     ns.Name,
		Email:    ns.Email,
		Phone:    ns.Phone,
		School:   ns.School,
		Status:   StatusActive,
		Batches:  []string{},
		Teachers: []string{},
	}
	if err := s.SetPassword(ns.Password); err != nil {
		return Student{}, errors.Wrap(err, "hashing password")
	}
	s, err := svc.store.CreateStudent(ctx, s)
	if err != nil {
		return Student{}, errors.Wrap(err, "creating student")
	}
	return s, nil
}

func (svc *Service) CreateTeacher(ctx context.Context, nt NewTeacher) (Teacher, error) {
	nt.clean()
	if err := svc.validate.Struct(nt); err != nil {
		return Teacher{}, err
	}
	if err := svc.checkTeacherEmail(ctx, nt.Email, ""); err != nil {
		return Teacher{}, err
	}
	t := Teacher{
		Name:      nt.Name,
		Email:     nt.Email,
		Phone:     nt.Phone,
		Expertise: nt.Expertise,
		Status:    StatusActive,
		Students:  []string{},
		Batches:   []string{},
	}
	if err := t.SetPassword(nt.Password); err != nil {
		return Teacher{}, errors.Wrap(err, "hashing password")
	}
	t, err := svc.store.CreateTeacher(ctx, t)
	if err != nil {
		return Teacher{}, errors.Wrap(err, "creating teacher")
	}
	return t, nil
}

// CreateBatch creates an empty batch and registers it on its teacher.
func (svc *Service) CreateBatch(ctx context.Context, nb NewBatch) (Batch, error) {
	nb.clean()
	if err := svc.validate.Struct(nb); err != nil {
		return Batch{}, err
	}
	if nb.Teacher != "" {
		if _, err := svc.store.FindTeacherByID(ctx, nb.Teacher); err != nil {
			if errors.Is(err, ErrTeacherNotFound) {
				return Batch{}, core.NewFieldValidationError("teacher", ErrTeacherNotFound)
			}
			return Batch{}, errors.Wrap(err, "finding teacher")
		}
	}

	var b Batch
	_, err := RunInTransaction(ctx, svc.store, func(ctx context.Context) error {
		var err error
		b, err = svc.store.CreateBatch(ctx, Batch{
			BatchName: nb.BatchName,
			Teacher:   nb.Teacher,
			Students:  []string{},
			Revenue:   nb.Revenue,
			StartDate: nb.StartDate.UTC(),
			EndDate:   nb.EndDate.UTC(),
			Schedule:  nb.Schedule,
		})
		if err != nil {
			return errors.Wrap(err, "creating batch")
		}
		if b.Teacher != "" {
			if err = svc.store.UpdateOne(ctx, Teachers, b.Teacher, AddToSet(FieldBatches, b.ID)); err != nil {
				return errors.Wrap(err, "linking batch to teacher")
			}
		}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (svc *Service) GetStudent(ctx context.Context, id string) (Student, error) {
	return svc.store.FindStudentByID(ctx, id)
}

func (svc *Service) GetTeacher(ctx context.Context, id string) (Teacher, error) {
	return svc.store.FindTeacherByID(ctx, id)
}

func (svc *Service) GetBatch(ctx context.Context, id string) (Batch, error) {
	return svc.store.FindBatchByID(ctx, id)
}

func (svc *Service) QueryStudents(ctx context.Context, f Filter) ([]Student, error) {
	return svc.store.FindStudents(ctx, f)
}

func (svc *Service) QueryTeachers(ctx context.Context, f Filter) ([]Teacher, error) {
	return svc.store.FindTeachers(ctx, f)
}

func (svc *Service) QueryBatches(ctx context.Context, f Filter) ([]Batch, error) {
	return svc.store.FindBatches(ctx, f)
}

// ValidateUpdateStudent cleans and validates us in place.
func (svc *Service) ValidateUpdateStudent(ctx context.Context, id string, us *UpdateStudent) error {
	us.clean()
	if err := svc.validate.Struct(us); err != nil {
		return err
	}
	if us.Email != nil {
		return svc.checkStudentEmail(ctx, *us.Email, id)
	}
	return nil
}

// UpdateStudent applies the identity fields of us; us.Batches is ignored.
func (svc *Service) UpdateStudent(ctx context.Context, id string, us UpdateStudent) (Student, error) {
	if err := svc.ValidateUpdateStudent(ctx, id, &us); err != nil {
		return Student{}, err
	}
	p := Patch{Name: us.Name, Email: us.Email, Phone: us.Phone, School: us.School, Status: us.Status}
	if us.Password != "" {
		hash, err := hashPassword(us.Password)
		if err != nil {
			return Student{}, errors.Wrap(err, "hashing password")
		}
		p.PasswordHash = hash
	}
	if !p.IsZero() {
		if err := svc.store.UpdateOne(ctx, Students, id, Mutation{Patch: p}); err != nil {
			return Student{}, errors.Wrap(err, "updating student")
		}
	}
	return svc.store.FindStudentByID(ctx, id)
}

func (svc *Service) UpdateTeacher(ctx context.Context, id string, uteach UpdateTeacher) (Teacher, error) {
	uteach.clean()
	if err := svc.validate.Struct(uteach); err != nil {
		return Teacher{}, err
	}
	if uteach.Email != nil {
		if err := svc.checkTeacherEmail(ctx, *uteach.Email, id); err != nil {
			return Teacher{}, err
		}
	}
	p := Patch{Name: uteach.Name, Email: uteach.Email, Phone: uteach.Phone, Expertise: uteach.Expertise, Status: uteach.Status}
	if uteach.Password != "" {
		hash, err := hashPassword(uteach.Password)
		if err != nil {
			return Teacher{}, errors.Wrap(err, "hashing password")
		}
		p.PasswordHash = hash
	}
	if !p.IsZero() {
		if err := svc.store.UpdateOne(ctx, Teachers, id, Mutation{Patch: p}); err != nil {
			return Teacher{}, errors.Wrap(err, "updating teacher")
		}
	}
	return svc.store.FindTeacherByID(ctx, id)
}

func (svc *Service) UpdateBatch(ctx context.Context, id string, ub UpdateBatch) (Batch, error) {
	ub.clean()
	if err := svc.validate.Struct(ub); err != nil {
		return Batch{}, err
	}
	p := Patch{BatchName: ub.BatchName, Revenue: ub.Revenue, Schedule: ub.Schedule}
	if ub.StartDate != nil {
		start := ub.StartDate.UTC()
		p.StartDate = &start
	}
	if ub.EndDate != nil {
		end := ub.EndDate.UTC()
		p.EndDate = &end
	}
	if !p.IsZero() {
		if err := svc.store.UpdateOne(ctx, Batches, id, Mutation{Patch: p}); err != nil {
			return Batch{}, errors.Wrap(err, "updating batch")
		}
	}
	return svc.store.FindBatchByID(ctx, id)
}

// ResetPassword sets a new password on the student or teacher with this email.
func (svc *Service) ResetPassword(ctx context.Context, c Collection, email, pwd string) error {
	email = core.CleanString(email, true /* lower */)
	hash, err := hashPassword(pwd)
	if err != nil {
		return errors.Wrap(err, "hashing password")
	}

	var id string
	switch c {
	case Students:
		students, err := svc.store.FindStudents(ctx, Filter{Email: email})
		if err != nil {
			return errors.Wrap(err, "finding student")
		}
		if len(students) == 0 {
			return ErrStudentNotFound
		}
		id = students[0].ID
	case Teachers:
		teachers, err := svc.store.FindTeachers(ctx, Filter{Email: email})
		if err != nil {
			return errors.Wrap(err, "finding teacher")
		}
		if len(teachers) == 0 {
			return ErrTeacherNotFound
		}
		id = teachers[0].ID
	default:
		return errors.Errorf("%s have no password", c)
	}
	return svc.store.UpdateOne(ctx, c, id, Mutation{Patch: Patch{PasswordHash: hash}})
}
