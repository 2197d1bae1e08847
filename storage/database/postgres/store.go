package pgdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

const uniqueViolation = "23505"

type (
	// DB is a roster.Store over PostgreSQL.
	DB struct {
		db  *sqlx.DB
		now func() time.Time
	}

	txKey struct{}
)

func New(db *sqlx.DB) *DB {
	return &DB{
		db: db,
		// timestamptz keeps microseconds
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SQLDB exposes the underlying pool, for migrations.
func (db *DB) SQLDB() *sql.DB {
	return db.db.DB
}

func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}

// getExec returns the transaction bound to ctx, if any.
func (db *DB) getExec(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return db.db
}

func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (db *DB) insert(ctx context.Context, c roster.Collection, query string, row interface{}) error {
	if _, err := sqlx.NamedExecContext(ctx, db.getExec(ctx), query, row); err != nil {
		if isUniqueViolation(err) {
			return roster.ErrEmailExists
		}
		return errors.Wrapf(err, "inserting into %s", c)
	}
	return nil
}

func (db *DB) CreateStudent(ctx context.Context, s roster.Student) (roster.Student, error) {
	now := db.now()
	s.ID, s.CreatedAt, s.UpdatedAt, s.Version = uuid.NewString(), now, now, 1
	row := toStudentRow(s)
	err := db.insert(ctx, roster.Students, `
		INSERT INTO students (id, name, email, password_hash, phone, school, status, batches, teachers,
			earning, points, task_completion, attendance, version, created_at, updated_at)
		VALUES (:id, :name, :email, :password_hash, :phone, :school, :status, :batches, :teachers,
			:earning, :points, :task_completion, :attendance, :version, :created_at, :updated_at)`, row)
	if err != nil {
		return roster.Student{}, err
	}
	return row.student(), nil
}

func (db *DB) CreateTeacher(ctx context.Context, t roster.Teacher) (roster.Teacher, error) {
	now := db.now()
	t.ID, t.CreatedAt, t.UpdatedAt = uuid.NewString(), now, now
	row := toTeacherRow(t)
	err := db.insert(ctx, roster.Teachers, `
		INSERT INTO teachers (id, name, email, password_hash, phone, expertise, status, students, batches,
			created_at, updated_at)
		VALUES (:id, :name, :email, :password_hash, :phone, :expertise, :status, :students, :batches,
			:created_at, :updated_at)`, row)
	if err != nil {
		return roster.Teacher{}, err
	}
	return row.teacher(), nil
}

func (db *DB) CreateBatch(ctx context.Context, b roster.Batch) (roster.Batch, error) {
	now := db.now()
	b.ID, b.CreatedAt, b.UpdatedAt = uuid.NewString(), now, now
	row := toBatchRow(b)
	err := db.insert(ctx, roster.Batches, `
		INSERT INTO batches (id, batch_name, teacher, students, revenue, start_date, end_date,
			schedule_days, schedule_time, created_at, updated_at)
		VALUES (:id, :batch_name, :teacher, :students, :revenue, :start_date, :end_date,
			:schedule_days, :schedule_time, :created_at, :updated_at)`, row)
	if err != nil {
		return roster.Batch{}, err
	}
	return row.batch(), nil
}

func (db *DB) findByID(ctx context.Context, c roster.Collection, id string, row interface{}) error {
	q := fmt.Sprintf("SELECT * FROM %s WHERE id = $1", c)
	if err := sqlx.GetContext(ctx, db.getExec(ctx), row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.NotFound()
		}
		return errors.Wrapf(err, "finding %s", c)
	}
	return nil
}

func (db *DB) FindStudentByID(ctx context.Context, id string) (roster.Student, error) {
	var row studentRow
	if err := db.findByID(ctx, roster.Students, id, &row); err != nil {
		return roster.Student{}, err
	}
	return row.student(), nil
}

func (db *DB) FindTeacherByID(ctx context.Context, id string) (roster.Teacher, error) {
	var row teacherRow
	if err := db.findByID(ctx, roster.Teachers, id, &row); err != nil {
		return roster.Teacher{}, err
	}
	return row.teacher(), nil
}

func (db *DB) FindBatchByID(ctx context.Context, id string) (roster.Batch, error) {
	var row batchRow
	if err := db.findByID(ctx, roster.Batches, id, &row); err != nil {
		return roster.Batch{}, err
	}
	return row.batch(), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// query translates f into a SELECT with bindvars for the postgres driver.
func query(c roster.Collection, f roster.Filter, searchFields ...string) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if f.IDs != nil {
		where = append(where, "id = ANY(?)")
		args = append(args, pq.Array(f.IDs))
	}
	if f.Teacher != "" && c == roster.Batches {
		where = append(where, "teacher = ?")
		args = append(args, f.Teacher)
	}
	if f.Email != "" {
		where = append(where, "lower(email) = lower(?)")
		args = append(args, f.Email)
	}
	if f.Search != "" && len(searchFields) > 0 {
		or := make([]string, 0, len(searchFields))
		pattern := "%" + likeEscaper.Replace(f.Search) + "%"
		for _, fld := range searchFields {
			or = append(or, fld+" ILIKE ?")
			args = append(args, pattern)
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedFrom.UTC())
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedTo.UTC())
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(string(c))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	for _, ord := range c.Orderings(f.Ordering) {
		sb.WriteString(ord.Field)
		if ord.Ascending {
			sb.WriteString(" ASC, ")
		} else {
			sb.WriteString(" DESC, ")
		}
	}
	sb.WriteString("created_at ASC, id ASC")
	return sqlx.Rebind(sqlx.DOLLAR, sb.String()), args
}

func (db *DB) find(ctx context.Context, c roster.Collection, f roster.Filter, rows interface{}, searchFields ...string) error {
	q, args := query(c, f, searchFields...)
	return errors.Wrapf(sqlx.SelectContext(ctx, db.getExec(ctx), rows, q, args...), "finding %s", c)
}

func (db *DB) FindStudents(ctx context.Context, f roster.Filter) ([]roster.Student, error) {
	var rows []studentRow
	if err := db.find(ctx, roster.Students, f, &rows, "name", "email"); err != nil {
		return nil, err
	}
	students := make([]roster.Student, 0, len(rows))
	for _, r := range rows {
		students = append(students, r.student())
	}
	return students, nil
}

func (db *DB) FindTeachers(ctx context.Context, f roster.Filter) ([]roster.Teacher, error) {
	var rows []teacherRow
	if err := db.find(ctx, roster.Teachers, f, &rows, "name", "email"); err != nil {
		return nil, err
	}
	teachers := make([]roster.Teacher, 0, len(rows))
	for _, r := range rows {
		teachers = append(teachers, r.teacher())
	}
	return teachers, nil
}

func (db *DB) FindBatches(ctx context.Context, f roster.Filter) ([]roster.Batch, error) {
	var rows []batchRow
	if err := db.find(ctx, roster.Batches, f, &rows, "batch_name"); err != nil {
		return nil, err
	}
	batches := make([]roster.Batch, 0, len(rows))
	for _, r := range rows {
		batches = append(batches, r.batch())
	}
	return batches, nil
}

type assignments struct {
	set  []string
	args []interface{}
}

func (a *assignments) add(expr string, args ...interface{}) {
	a.set = append(a.set, expr)
	a.args = append(a.args, args...)
}

func patchColumns(a *assignments, p roster.Patch) {
	strs := []struct {
		col string
		val *string
	}{
		{"name", p.Name},
		{"email", p.Email},
		{"phone", p.Phone},
		{"status", p.Status},
		{"school", p.School},
		{"expertise", p.Expertise},
		{"batch_name", p.BatchName},
		{"teacher", p.Teacher},
	}
	for _, s := range strs {
		if s.val != nil {
			a.add(s.col+" = ?", *s.val)
		}
	}
	if p.PasswordHash != nil {
		a.add("password_hash = ?", p.PasswordHash)
	}
	if p.Revenue != nil {
		a.add("revenue = ?", *p.Revenue)
	}
	if p.StartDate != nil {
		a.add("start_date = ?", nullTime(*p.StartDate))
	}
	if p.EndDate != nil {
		a.add("end_date = ?", nullTime(*p.EndDate))
	}
	if p.Schedule != nil {
		a.add("schedule_days = ?", strArray(p.Schedule.Days))
		a.add("schedule_time = ?", nullString(p.Schedule.Time))
	}
}

// update translates m into an UPDATE of the row id. Set operations keep the array order.
func (db *DB) update(c roster.Collection, id string, m roster.Mutation) (string, []interface{}) {
	a := &assignments{}
	patchColumns(a, m.Patch)
	for f, v := range m.Replace {
		a.add(string(f)+" = ?", strArray(v))
	}
	for f, v := range m.AddToSet {
		col := string(f)
		a.add(col+" = "+col+" || ARRAY(SELECT x FROM unnest(?::text[]) WITH ORDINALITY t(x, i) WHERE x <> ALL("+col+") ORDER BY i)",
			strArray(core.UniqueStrings(v)))
	}
	for f, v := range m.Pull {
		col := string(f)
		a.add(col+" = ARRAY(SELECT x FROM unnest("+col+") WITH ORDINALITY t(x, i) WHERE x <> ALL(?::text[]) ORDER BY i)",
			strArray(v))
	}
	a.add("updated_at = ?", db.now())
	if c == roster.Students {
		a.add("version = version + 1")
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", c, strings.Join(a.set, ", "))
	args := append(a.args, id)
	if m.IfVersion > 0 {
		q += " AND version = ?"
		args = append(args, m.IfVersion)
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), args
}

func (db *DB) UpdateOne(ctx context.Context, c roster.Collection, id string, m roster.Mutation) error {
	if err := m.Validate(c); err != nil {
		return err
	}
	exec := db.getExec(ctx)
	q, args := db.update(c, id, m)
	res, err := exec.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return roster.ErrEmailExists
		}
		return errors.Wrapf(err, "updating %s", c)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "updating %s", c)
	}
	if n > 0 {
		return nil
	}

	if m.IfVersion > 0 {
		var found bool
		q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", c)
		if err = sqlx.GetContext(ctx, exec, &found, q, id); err != nil {
			return errors.Wrapf(err, "updating %s", c)
		}
		if found {
			return roster.ErrVersionConflict
		}
	}
	return c.NotFound()
}
