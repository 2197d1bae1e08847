// Package rostertest provides fixtures and a Store conformance suite for tests.
package rostertest

import (
	"context"
	"strings"
	"testing"

	"github.com/trezcool/bootcamp/core/roster"
)

// Password satisfies the password policy.
const Password = "Sup3r-S3cret!"

func emailFor(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@test.io"
}

func CreateStudent(t *testing.T, store roster.Store, name string) roster.Student {
	t.Helper()
	s := roster.Student{
		Name:     name,
		Email:    emailFor(name),
		Status:   roster.StatusActive,
		Batches:  []string{},
		Teachers: []string{},
	}
	if err := s.SetPassword(Password); err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	s, err := store.CreateStudent(context.Background(), s)
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	return s
}

func CreateTeacher(t *testing.T, store roster.Store, name string) roster.Teacher {
	t.Helper()
	tc := roster.Teacher{
		Name:     name,
		Email:    emailFor(name),
		Status:   roster.StatusActive,
		Students: []string{},
		Batches:  []string{},
	}
	if err := tc.SetPassword(Password); err != nil {
		t.Fatalf("CreateTeacher() failed: %v", err)
	}
	tc, err := store.CreateTeacher(context.Background(), tc)
	if err != nil {
		t.Fatalf("CreateTeacher() failed: %v", err)
	}
	return tc
}

// CreateBatch creates an empty batch owned by teacherID (may be empty) and registers it on the teacher.
func CreateBatch(t *testing.T, store roster.Store, name, teacherID string, revenue float64) roster.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := store.CreateBatch(ctx, roster.Batch{
		BatchName: name,
		Teacher:   teacherID,
		Students:  []string{},
		Revenue:   revenue,
	})
	if err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	if teacherID != "" {
		if err = store.UpdateOne(ctx, roster.Teachers, teacherID, roster.AddToSet(roster.FieldBatches, b.ID)); err != nil {
			t.Fatalf("CreateBatch() failed to link teacher: %v", err)
		}
	}
	return b
}

// Link writes a consistent membership of the student in the batches, without going through enrollment.
func Link(t *testing.T, store roster.Store, studentID string, batchIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, bid := range batchIDs {
		b, err := store.FindBatchByID(ctx, bid)
		if err != nil {
			t.Fatalf("Link() failed: %v", err)
		}
		if err = store.UpdateOne(ctx, roster.Batches, bid, roster.AddToSet(roster.FieldStudents, studentID)); err != nil {
			t.Fatalf("Link() failed: %v", err)
		}
		m := roster.AddToSet(roster.FieldBatches, bid)
		if b.Teacher != "" {
			if err = store.UpdateOne(ctx, roster.Teachers, b.Teacher, roster.AddToSet(roster.FieldStudents, studentID)); err != nil {
				t.Fatalf("Link() failed: %v", err)
			}
			m.AddToSet[roster.FieldTeachers] = []string{b.Teacher}
		}
		if err = store.UpdateOne(ctx, roster.Students, studentID, m); err != nil {
			t.Fatalf("Link() failed: %v", err)
		}
	}
}

func MustStudent(t *testing.T, store roster.Store, id string) roster.Student {
	t.Helper()
	s, err := store.FindStudentByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindStudentByID(%s) failed: %v", id, err)
	}
	return s
}

func MustTeacher(t *testing.T, store roster.Store, id string) roster.Teacher {
	t.Helper()
	tc, err := store.FindTeacherByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindTeacherByID(%s) failed: %v", id, err)
	}
	return tc
}

func MustBatch(t *testing.T, store roster.Store, id string) roster.Batch {
	t.Helper()
	b, err := store.FindBatchByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindBatchByID(%s) failed: %v", id, err)
	}
	return b
}
