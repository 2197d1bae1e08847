package pgdb

import (
	"time"

	"github.com/lib/pq"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/bootcamp/core/roster"
)

type (
	studentRow struct {
		ID             string         `db:"id"`
		Name           string         `db:"name"`
		Email          string         `db:"email"`
		PasswordHash   null.Bytes     `db:"password_hash"`
		Phone          null.String    `db:"phone"`
		School         null.String    `db:"school"`
		Status         string         `db:"status"`
		Batches        pq.StringArray `db:"batches"`
		Teachers       pq.StringArray `db:"teachers"`
		Earning        float64        `db:"earning"`
		Points         int            `db:"points"`
		TaskCompletion float64        `db:"task_completion"`
		Attendance     float64        `db:"attendance"`
		Version        int64          `db:"version"`
		CreatedAt      time.Time      `db:"created_at"`
		UpdatedAt      time.Time      `db:"updated_at"`
	}

	teacherRow struct {
		ID           string         `db:"id"`
		Name         string         `db:"name"`
		Email        string         `db:"email"`
		PasswordHash null.Bytes     `db:"password_hash"`
		Phone        null.String    `db:"phone"`
		Expertise    null.String    `db:"expertise"`
		Status       string         `db:"status"`
		Students     pq.StringArray `db:"students"`
		Batches      pq.StringArray `db:"batches"`
		CreatedAt    time.Time      `db:"created_at"`
		UpdatedAt    time.Time      `db:"updated_at"`
	}

	batchRow struct {
		ID           string         `db:"id"`
		BatchName    string         `db:"batch_name"`
		Teacher      null.String    `db:"teacher"`
		Students     pq.StringArray `db:"students"`
		Revenue      float64        `db:"revenue"`
		StartDate    null.Time      `db:"start_date"`
		EndDate      null.Time      `db:"end_date"`
		ScheduleDays pq.StringArray `db:"schedule_days"`
		ScheduleTime null.String    `db:"schedule_time"`
		CreatedAt    time.Time      `db:"created_at"`
		UpdatedAt    time.Time      `db:"updated_at"`
	}
)

func strArray(ss []string) pq.StringArray {
	if ss == nil {
		return pq.StringArray{}
	}
	return ss
}

func strSlice(a pq.StringArray) []string {
	if a == nil {
		return []string{}
	}
	return a
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

func nullTime(t time.Time) null.Time {
	return null.NewTime(t.UTC(), !t.IsZero())
}

func timeOf(t null.Time) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func toStudentRow(s roster.Student) studentRow {
	return studentRow{
		ID:             s.ID,
		Name:           s.Name,
		Email:          s.Email,
		PasswordHash:   null.BytesFrom(s.PasswordHash),
		Phone:          nullString(s.Phone),
		School:         nullString(s.School),
		Status:         s.Status,
		Batches:        strArray(s.Batches),
		Teachers:       strArray(s.Teachers),
		Earning:        s.Earning,
		Points:         s.Points,
		TaskCompletion: s.TaskCompletion,
		Attendance:     s.Attendance,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (r studentRow) student() roster.Student {
	return roster.Student{
		ID:             r.ID,
		Name:           r.Name,
		Email:          r.Email,
		PasswordHash:   r.PasswordHash.Bytes,
		Phone:          r.Phone.String,
		School:         r.School.String,
		Status:         r.Status,
		Batches:        strSlice(r.Batches),
		Teachers:       strSlice(r.Teachers),
		Earning:        r.Earning,
		Points:         r.Points,
		TaskCompletion: r.TaskCompletion,
		Attendance:     r.Attendance,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func toTeacherRow(t roster.Teacher) teacherRow {
	return teacherRow{
		ID:           t.ID,
		Name:         t.Name,
		Email:        t.Email,
		PasswordHash: null.BytesFrom(t.PasswordHash),
		Phone:        nullString(t.Phone),
		Expertise:    nullString(t.Expertise),
		Status:       t.Status,
		Students:     strArray(t.Students),
		Batches:      strArray(t.Batches),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (r teacherRow) teacher() roster.Teacher {
	return roster.Teacher{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: r.PasswordHash.Bytes,
		Phone:        r.Phone.String,
		Expertise:    r.Expertise.String,
		Status:       r.Status,
		Students:     strSlice(r.Students),
		Batches:      strSlice(r.Batches),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func toBatchRow(b roster.Batch) batchRow {
	return batchRow{
		ID:           b.ID,
		BatchName:    b.BatchName,
		Teacher:      nullString(b.Teacher),
		Students:     strArray(b.Students),
		Revenue:      b.Revenue,
		StartDate:    nullTime(b.StartDate),
		EndDate:      nullTime(b.EndDate),
		ScheduleDays: strArray(b.Schedule.Days),
		ScheduleTime: nullString(b.Schedule.Time),
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func (r batchRow) batch() roster.Batch {
	var days []string
	if len(r.ScheduleDays) > 0 {
		days = r.ScheduleDays
	}
	return roster.Batch{
		ID:        r.ID,
		BatchName: r.BatchName,
		Teacher:   r.Teacher.String,
		Students:  strSlice(r.Students),
		Revenue:   r.Revenue,
		StartDate: timeOf(r.StartDate),
		EndDate:   timeOf(r.EndDate),
		Schedule:  roster.Schedule{Days: days, Time: r.ScheduleTime.String},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}
