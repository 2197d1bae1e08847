package roster

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/bootcamp/core"
)

// Statuses
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusGraduated = "graduated"
)

var AllStatuses = []string{StatusActive, StatusInactive, StatusGraduated}

type Student struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	PasswordHash   []byte    `json:"-"`
	Phone          string    `json:"phone"`
	School         string    `json:"school"`
	Status         string    `json:"status"`
	Batches        []string  `json:"batches"`
	Teachers       []string  `json:"teachers"`
	Earning        float64   `json:"earning"`
	Points         int       `json:"points"`
	TaskCompletion float64   `json:"task_completion"`
	Attendance     float64   `json:"attendance"`
	Version        int64     `json:"-"`
	CreatedAt      time.Time `json:"created_at"` // UTC
	UpdatedAt      time.Time `json:"updated_at"` // UTC
}

func (s *Student) SetPassword(pwd string) error {
	hash, err := hashPassword(pwd)
	if err != nil {
		return err
	}
	s.PasswordHash = hash
	return nil
}

func (s *Student) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(s.PasswordHash, []byte(pwd))
}

func (s Student) Identity() core.Identity {
	return core.Identity{ID: s.ID, Name: s.Name, Email: s.Email}
}

type Teacher struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	Phone        string    `json:"phone"`
	Expertise    string    `json:"expertise"`
	Status       string    `json:"status"`
	Students     []string  `json:"students"`
	Batches      []string  `json:"batches"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
}

func (t *Teacher) SetPassword(pwd string) error {
	hash, err := hashPassword(pwd)
	if err != nil {
		return err
	}
	t.PasswordHash = hash
	return nil
}

func (t *Teacher) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(t.PasswordHash, []byte(pwd))
}

func (t Teacher) Identity() core.Identity {
	return core.Identity{ID: t.ID, Name: t.Name, Email: t.Email}
}

type Schedule struct {
	Days []string `json:"days"`
	Time string   `json:"time"`
}

type Batch struct {
	ID        string    `json:"id"`
	BatchName string    `json:"batch_name"`
	Teacher   string    `json:"teacher"` // owning Teacher ID, may be empty
	Students  []string  `json:"students"`
	Revenue   float64   `json:"revenue"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Schedule  Schedule  `json:"schedule"`
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (b Batch) HasStudent(id string) bool {
	for _, sid := range b.Students {
		if sid == id {
			return true
		}
	}
	return false
}

func hashPassword(pwd string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
}

// NewStudent contains information needed to create a new Student.
type NewStudent struct {
	Name            string   `json:"name" validate:"required,notblank"`
	Email           string   `json:"email" validate:"required,email"`
	Phone           string   `json:"phone" validate:"omitempty,max=32"`
	School          string   `json:"school"`
	Password        string   `json:"password" validate:"required"`
	PasswordConfirm string   `json:"password_confirm" validate:"required,eqfield=Password"`
	Batches         []string `json:"batches"`
}

func (ns *NewStudent) clean() {
	ns.Name = core.CleanString(ns.Name)
	ns.Email = core.CleanString(ns.Email, true /* lower */)
	ns.Phone = core.CleanString(ns.Phone)
	ns.School = core.CleanString(ns.School)
	ns.Batches = core.UniqueStrings(ns.Batches)
}

// UpdateStudent defines what information may be provided to modify an existing Student.
// Batches, when not nil, is the new desired membership and is applied through the enrollment synchronizer.
type UpdateStudent struct {
	Name            *string  `json:"name" validate:"omitempty,notblank"`
	Email           *string  `json:"email" validate:"omitempty,email"`
	Phone           *string  `json:"phone" validate:"omitempty,max=32"`
	School          *string  `json:"school"`
	Status          *string  `json:"status" validate:"omitempty,status"`
	Password        string   `json:"password"`
	PasswordConfirm string   `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
	Batches         []string `json:"batches"`
}

func (us *UpdateStudent) clean() {
	cleanPtr(us.Name, false)
	cleanPtr(us.Email, true)
	cleanPtr(us.Phone, false)
	cleanPtr(us.School, false)
	cleanPtr(us.Status, true)
	if us.Batches != nil {
		us.Batches = core.UniqueStrings(us.Batches)
	}
}

// NewTeacher contains information needed to create a new Teacher.
type NewTeacher struct {
	Name            string `json:"name" validate:"required,notblank"`
	Email           string `json:"email" validate:"required,email"`
	Phone           string `json:"phone" validate:"omitempty,max=32"`
	Expertise       string `json:"expertise"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nt *NewTeacher) clean() {
	nt.Name = core.CleanString(nt.Name)
	nt.Email = core.CleanString(nt.Email, true /* lower */)
	nt.Phone = core.CleanString(nt.Phone)
	nt.Expertise = core.CleanString(nt.Expertise)
}

type UpdateTeacher struct {
	Name            *string `json:"name" validate:"omitempty,notblank"`
	Email           *string `json:"email" validate:"omitempty,email"`
	Phone           *string `json:"phone" validate:"omitempty,max=32"`
	Expertise       *string `json:"expertise"`
	Status          *string `json:"status" validate:"omitempty,status"`
	Password        string  `json:"password"`
	PasswordConfirm string  `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (uteach *UpdateTeacher) clean() {
	cleanPtr(uteach.Name, false)
	cleanPtr(uteach.Email, true)
	cleanPtr(uteach.Phone, false)
	cleanPtr(uteach.Expertise, false)
	cleanPtr(uteach.Status, true)
}

// NewBatch contains information needed to create a new Batch. Students join through enrollment.
type NewBatch struct {
	BatchName string    `json:"batch_name" validate:"required,notblank"`
	Teacher   string    `json:"teacher"`
	Revenue   float64   `json:"revenue" validate:"gte=0"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date" validate:"omitempty,gtefield=StartDate"`
	Schedule  Schedule  `json:"schedule"`
}

func (nb *NewBatch) clean() {
	nb.BatchName = core.CleanString(nb.BatchName)
	nb.Teacher = core.CleanString(nb.Teacher)
}

// UpdateBatch never changes the owning teacher; see enrollment.Synchronizer.ReassignTeacher.
type UpdateBatch struct {
	BatchName *string    `json:"batch_name" validate:"omitempty,notblank"`
	Revenue   *float64   `json:"revenue" validate:"omitempty,gte=0"`
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Schedule  *Schedule  `json:"schedule"`
}

func (ub *UpdateBatch) clean() {
	cleanPtr(ub.BatchName, false)
}

func cleanPtr(s *string, lower bool) {
	if s != nil {
		*s = core.CleanString(*s, lower)
	}
}

// Filter applies AND operation on its set fields. Zero values are ignored.
type Filter struct {
	IDs         []string
	Teacher     string // batches owned by this teacher
	Email       string // exact, case-insensitive
	Search      string // case-insensitive match on name, email or batch name
	CreatedFrom time.Time
	CreatedTo   time.Time // exclusive
	Ordering    []core.DBOrdering
}

// QueryFilter is bound from list endpoints' query strings.
type QueryFilter struct {
	Search      string    `query:"search"`
	Teacher     string    `query:"teacher"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf QueryFilter) Filter(ordering []core.DBOrdering) Filter {
	return Filter{
		Teacher:     core.CleanString(qf.Teacher),
		Search:      core.CleanString(qf.Search, true /* lower */),
		CreatedFrom: qf.CreatedFrom,
		CreatedTo:   qf.CreatedTo,
		Ordering:    ordering,
	}
}
