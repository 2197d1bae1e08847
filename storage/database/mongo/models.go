package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/trezcool/bootcamp/core/roster"
)

type (
	studentDoc struct {
		ID             primitive.ObjectID `bson:"_id,omitempty"`
		Name           string             `bson:"name"`
		Email          string             `bson:"email"`
		PasswordHash   []byte             `bson:"password_hash"`
		Phone          string             `bson:"phone"`
		School         string             `bson:"school"`
		Status         string             `bson:"status"`
		Batches        []string           `bson:"batches"`
		Teachers       []string           `bson:"teachers"`
		Earning        float64            `bson:"earning"`
		Points         int                `bson:"points"`
		TaskCompletion float64            `bson:"task_completion"`
		Attendance     float64            `bson:"attendance"`
		Version        int64              `bson:"version"`
		CreatedAt      time.Time          `bson:"created_at"`
		UpdatedAt      time.Time          `bson:"updated_at"`
	}

	teacherDoc struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		Name         string             `bson:"name"`
		Email        string             `bson:"email"`
		PasswordHash []byte             `bson:"password_hash"`
		Phone        string             `bson:"phone"`
		Expertise    string             `bson:"expertise"`
		Status       string             `bson:"status"`
		Students     []string           `bson:"students"`
		Batches      []string           `bson:"batches"`
		CreatedAt    time.Time          `bson:"created_at"`
		UpdatedAt    time.Time          `bson:"updated_at"`
	}

	scheduleDoc struct {
		Days []string `bson:"days"`
		Time string   `bson:"time"`
	}

	batchDoc struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		BatchName string             `bson:"batch_name"`
		Teacher   string             `bson:"teacher"`
		Students  []string           `bson:"students"`
		Revenue   float64            `bson:"revenue"`
		StartDate time.Time          `bson:"start_date"`
		EndDate   time.Time          `bson:"end_date"`
		Schedule  scheduleDoc        `bson:"schedule"`
		CreatedAt time.Time          `bson:"created_at"`
		UpdatedAt time.Time          `bson:"updated_at"`
	}
)

// ids never returns nil, so array fields are never stored as null.
func ids(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func fromStudent(s roster.Student) studentDoc {
	return studentDoc{
		Name:           s.Name,
		Email:          s.Email,
		PasswordHash:   s.PasswordHash,
		Phone:          s.Phone,
		School:         s.School,
		Status:         s.Status,
		Batches:        ids(s.Batches),
		Teachers:       ids(s.Teachers),
		Earning:        s.Earning,
		Points:         s.Points,
		TaskCompletion: s.TaskCompletion,
		Attendance:     s.Attendance,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (d studentDoc) toStudent() roster.Student {
	return roster.Student{
		ID:             d.ID.Hex(),
		Name:           d.Name,
		Email:          d.Email,
		PasswordHash:   d.PasswordHash,
		Phone:          d.Phone,
		School:         d.School,
		Status:         d.Status,
		Batches:        ids(d.Batches),
		Teachers:       ids(d.Teachers),
		Earning:        d.Earning,
		Points:         d.Points,
		TaskCompletion: d.TaskCompletion,
		Attendance:     d.Attendance,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func fromTeacher(t roster.Teacher) teacherDoc {
	return teacherDoc{
		Name:         t.Name,
		Email:        t.Email,
		PasswordHash: t.PasswordHash,
		Phone:        t.Phone,
		Expertise:    t.Expertise,
		Status:       t.Status,
		Students:     ids(t.Students),
		Batches:      ids(t.Batches),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (d teacherDoc) toTeacher() roster.Teacher {
	return roster.Teacher{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Phone:        d.Phone,
		Expertise:    d.Expertise,
		Status:       d.Status,
		Students:     ids(d.Students),
		Batches:      ids(d.Batches),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func fromBatch(b roster.Batch) batchDoc {
	return batchDoc{
		BatchName: b.BatchName,
		Teacher:   b.Teacher,
		Students:  ids(b.Students),
		Revenue:   b.Revenue,
		StartDate: b.StartDate,
		EndDate:   b.EndDate,
		Schedule:  scheduleDoc{Days: ids(b.Schedule.Days), Time: b.Schedule.Time},
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (d batchDoc) toBatch() roster.Batch {
	return roster.Batch{
		ID:        d.ID.Hex(),
		BatchName: d.BatchName,
		Teacher:   d.Teacher,
		Students:  ids(d.Students),
		Revenue:   d.Revenue,
		StartDate: d.StartDate.UTC(),
		EndDate:   d.EndDate.UTC(),
		Schedule:  roster.Schedule{Days: d.Schedule.Days, Time: d.Schedule.Time},
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}
