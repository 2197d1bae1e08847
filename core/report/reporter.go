// Package report computes the dashboard and earnings statistics.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache memoizes report results as JSON.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) error
	Set(ctx context.Context, key string, val interface{}, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

const keyPrefix = "report:"

type (
	MonthlyRevenue struct {
		Month   int     `json:"month"`
		Name    string  `json:"name"`
		Revenue float64 `json:"revenue"`
	}

	MonthlyEnrollment struct {
		Month    int    `json:"month"`
		Name     string `json:"name"`
		Students int    `json:"students"`
	}

	BatchRow struct {
		BatchID       string  `json:"batch_id"`
		BatchName     string  `json:"batch_name"`
		Teacher       string  `json:"teacher"`
		StudentCount  int     `json:"student_count"`
		Revenue       float64 `json:"revenue"`
		StudentShare  float64 `json:"student_share"`
		TeacherShare  float64 `json:"teacher_share"`
		PlatformShare float64 `json:"platform_share"`
	}

	TeacherRollup struct {
		TeacherID     string     `json:"teacher_id"`
		TotalBatches  int        `json:"total_batches"`
		TotalStudents int        `json:"total_students"`
		TotalEarnings float64    `json:"total_earnings"`
		Batches       []BatchRow `json:"batches"`
	}

	StudentBatch struct {
		BatchID   string `json:"batch_id"`
		BatchName string `json:"batch_name"`
		Teacher   string `json:"teacher"`
	}

	StudentRollup struct {
		StudentID      string         `json:"student_id"`
		TotalBatches   int            `json:"total_batches"`
		TotalTeachers  int            `json:"total_teachers"`
		Earning        float64        `json:"earning"`
		Points         int            `json:"points"`
		TaskCompletion float64        `json:"task_completion"`
		Attendance     float64        `json:"attendance"`
		Batches        []StudentBatch `json:"batches"`
	}

	PlatformTotals struct {
		TotalRevenue       float64 `json:"total_revenue"`
		TotalStudentShare  float64 `json:"total_student_share"`
		TotalTeacherShare  float64 `json:"total_teacher_share"`
		TotalPlatformShare float64 `json:"total_platform_share"`
		StudentCount       int     `json:"student_count"`
		TeacherCount       int     `json:"teacher_count"`
		BatchCount         int     `json:"batch_count"`
	}
)

// Reporter reads best-effort snapshots of the store; it never writes.
type Reporter struct {
	store  roster.Store
	calc   revenue.Calculator
	loc    *time.Location
	cache  Cache
	ttl    time.Duration
	logger core.Logger
}

type Option func(r *Reporter)

// WithCache memoizes every report in c for ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Reporter) {
		r.cache = c
		r.ttl = ttl
	}
}

// WithLocation sets the time zone months are bucketed in.
func WithLocation(loc *time.Location) Option {
	return func(r *Reporter) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithLogger(l core.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

func NewReporter(store roster.Store, calc revenue.Calculator, opts ...Option) *Reporter {
	vala.BeginValidation().Validate(
		vala.IsNotNil(store, "store"),
	).CheckAndPanic()

	r := &Reporter{store: store, calc: calc, loc: time.UTC}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) Calculator() revenue.Calculator { return r.calc }

func (r *Reporter) warn(msg string, err error, key string) {
	if r.logger != nil {
		r.logger.Warn(msg, err, map[string]interface{}{"key": key})
	}
}

// cached returns the memoized value of key, computing and storing it on a miss.
// Cache failures only cost a recomputation.
func cached[T any](ctx context.Context, r *Reporter, key string, compute func() (T, error)) (T, error) {
	if r.cache == nil {
		return compute()
	}
	key = keyPrefix + r.calc.Mode().String() + ":" + key

	var val T
	err := r.cache.Get(ctx, key, &val)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.warn("report cache read failed", err, key)
	}

	if val, err = compute(); err != nil {
		return val, err
	}
	if err = r.cache.Set(ctx, key, val, r.ttl); err != nil {
		r.warn("report cache write failed", err, key)
	}
	return val, nil
}

// Invalidate drops every memoized report.
func (r *Reporter) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return errors.Wrap(r.cache.DeletePrefix(ctx, keyPrefix), "invalidating report cache")
}

func (r *Reporter) yearRange(year int) roster.Filter {
	return roster.Filter{
		CreatedFrom: time.Date(year, time.January, 1, 0, 0, 0, 0, r.loc),
		CreatedTo:   time.Date(year+1, time.January, 1, 0, 0, 0, 0, r.loc),
	}
}

// MonthlyRevenue sums Batch.revenue by creation month of year, January first.
func (r *Reporter) MonthlyRevenue(ctx context.Context, year int) ([]MonthlyRevenue, error) {
	return cached(ctx, r, fmt.Sprintf("revenue:%d", year), func() ([]MonthlyRevenue, error) {
		batches, err := r.store.FindBatches(ctx, r.yearRange(year))
		if err != nil {
			return nil, errors.Wrap(err, "finding batches")
		}
		totals := make([]revenue.Split, 12)
		for _, b := range batches {
			m := b.CreatedAt.In(r.loc).Month() - 1
			totals[m] = totals[m].Add(revenue.Split{Total: b.Revenue})
		}
		months := make([]MonthlyRevenue, 12)
		for i := range months {
			months[i] = MonthlyRevenue{Month: i + 1, Name: time.Month(i + 1).String(), Revenue: totals[i].Total}
		}
		return months, nil
	})
}

// MonthlyEnrollment counts students by creation month of year, January first.
func (r *Reporter) MonthlyEnrollment(ctx context.Context, year int) ([]MonthlyEnrollment, error) {
	return cached(ctx, r, fmt.Sprintf("enrollment:%d", year), func() ([]MonthlyEnrollment, error) {
		students, err := r.store.FindStudents(ctx, r.yearRange(year))
		if err != nil {
			return nil, errors.Wrap(err, "finding students")
		}
		months := make([]MonthlyEnrollment, 12)
		for i := range months {
			months[i] = MonthlyEnrollment{Month: i + 1, Name: time.Month(i + 1).String()}
		}
		for _, s := range students {
			months[s.CreatedAt.In(r.loc).Month()-1].Students++
		}
		return months, nil
	})
}

func (r *Reporter) batchRow(b roster.Batch) (BatchRow, error) {
	split, err := r.calc.Compute(b.Revenue)
	if err != nil {
		return BatchRow{}, errors.Wrapf(err, "batch %s", b.ID)
	}
	return BatchRow{
		BatchID:       b.ID,
		BatchName:     b.BatchName,
		Teacher:       b.Teacher,
		StudentCount:  len(b.Students),
		Revenue:       split.Total,
		StudentShare:  split.StudentShare,
		TeacherShare:  split.TeacherShare,
		PlatformShare: split.PlatformShare,
	}, nil
}

func (r *Reporter) batchRows(batches []roster.Batch) ([]BatchRow, revenue.Split, error) {
	rows := make([]BatchRow, 0, len(batches))
	var sum revenue.Split
	for _, b := range batches {
		row, err := r.batchRow(b)
		if err != nil {
			return nil, revenue.Split{}, err
		}
		rows = append(rows, row)
		sum = sum.Add(revenue.Split{
			Total:         row.Revenue,
			StudentShare:  row.StudentShare,
			TeacherShare:  row.TeacherShare,
			PlatformShare: row.PlatformShare,
		})
	}
	return rows, sum, nil
}

// BatchRollup returns one row per batch with its student count and revenue split.
func (r *Reporter) BatchRollup(ctx context.Context) ([]BatchRow, error) {
	return cached(ctx, r, "batches", func() ([]BatchRow, error) {
		batches, err := r.store.FindBatches(ctx, roster.Filter{
			Ordering: []core.DBOrdering{{Field: "batch_name", Ascending: true}},
		})
		if err != nil {
			return nil, errors.Wrap(err, "finding batches")
		}
		rows, _, err := r.batchRows(batches)
		return rows, err
	})
}

// TeacherRollup counts a student once however many of the teacher's batches they attend.
func (r *Reporter) TeacherRollup(ctx context.Context, teacherID string) (TeacherRollup, error) {
	return cached(ctx, r, "teacher:"+teacherID, func() (TeacherRollup, error) {
		t, err := r.store.FindTeacherByID(ctx, teacherID)
		if err != nil {
			return TeacherRollup{}, err
		}
		batches, err := r.store.FindBatches(ctx, roster.Filter{
			Teacher:  t.ID,
			Ordering: []core.DBOrdering{{Field: "batch_name", Ascending: true}},
		})
		if err != nil {
			return TeacherRollup{}, errors.Wrap(err, "finding batches")
		}
		rows, sum, err := r.batchRows(batches)
		if err != nil {
			return TeacherRollup{}, err
		}
		return TeacherRollup{
			TeacherID:     t.ID,
			TotalBatches:  len(rows),
			TotalStudents: len(t.Students),
			TotalEarnings: sum.TeacherShare,
			Batches:       rows,
		}, nil
	})
}

func (r *Reporter) StudentRollup(ctx context.Context, studentID string) (StudentRollup, error) {
	return cached(ctx, r, "student:"+studentID, func() (StudentRollup, error) {
		s, err := r.store.FindStudentByID(ctx, studentID)
		if err != nil {
			return StudentRollup{}, err
		}
		sr := StudentRollup{
			StudentID:      s.ID,
			TotalBatches:   len(s.Batches),
			TotalTeachers:  len(s.Teachers),
			Earning:        s.Earning,
			Points:         s.Points,
			TaskCompletion: s.TaskCompletion,
			Attendance:     s.Attendance,
			Batches:        []StudentBatch{},
		}
		if len(s.Batches) == 0 {
			return sr, nil
		}
		batches, err := r.store.FindBatches(ctx, roster.Filter{IDs: s.Batches})
		if err != nil {
			return StudentRollup{}, errors.Wrap(err, "finding batches")
		}
		byID := make(map[string]roster.Batch, len(batches))
		for _, b := range batches {
			byID[b.ID] = b
		}
		for _, id := range s.Batches {
			if b, ok := byID[id]; ok {
				sr.Batches = append(sr.Batches, StudentBatch{BatchID: b.ID, BatchName: b.BatchName, Teacher: b.Teacher})
			}
		}
		return sr, nil
	})
}

// PlatformTotals sums the per-batch splits, so totals match BatchRollup exactly.
func (r *Reporter) PlatformTotals(ctx context.Context) (PlatformTotals, error) {
	return cached(ctx, r, "totals", func() (PlatformTotals, error) {
		batches, err := r.store.FindBatches(ctx, roster.Filter{})
		if err != nil {
			return PlatformTotals{}, errors.Wrap(err, "finding batches")
		}
		students, err := r.store.FindStudents(ctx, roster.Filter{})
		if err != nil {
			return PlatformTotals{}, errors.Wrap(err, "finding students")
		}
		teachers, err := r.store.FindTeachers(ctx, roster.Filter{})
		if err != nil {
			return PlatformTotals{}, errors.Wrap(err, "finding teachers")
		}
		_, sum, err := r.batchRows(batches)
		if err != nil {
			return PlatformTotals{}, err
		}
		return PlatformTotals{
			TotalRevenue:       sum.Total,
			TotalStudentShare:  sum.StudentShare,
			TotalTeacherShare:  sum.TeacherShare,
			TotalPlatformShare: sum.PlatformShare,
			StudentCount:       len(students),
			TeacherCount:       len(teachers),
			BatchCount:         len(batches),
		}, nil
	})
}
