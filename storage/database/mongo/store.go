package mongodb

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/trezcool/bootcamp/core/roster"
)

func (db *DB) insert(ctx context.Context, c roster.Collection, doc interface{}) (string, error) {
	res, err := db.coll(c).InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", roster.ErrEmailExists
		}
		return "", errors.Wrapf(err, "inserting into %s", c)
	}
	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (db *DB) CreateStudent(ctx context.Context, s roster.Student) (roster.Student, error) {
	now := db.now()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1
	id, err := db.insert(ctx, roster.Students, fromStudent(s))
	if err != nil {
		return roster.Student{}, err
	}
	s.ID, s.Batches, s.Teachers = id, ids(s.Batches), ids(s.Teachers)
	return s, nil
}

func (db *DB) CreateTeacher(ctx context.Context, t roster.Teacher) (roster.Teacher, error) {
	now := db.now()
	t.CreatedAt, t.UpdatedAt = now, now
	id, err := db.insert(ctx, roster.Teachers, fromTeacher(t))
	if err != nil {
		return roster.Teacher{}, err
	}
	t.ID, t.Students, t.Batches = id, ids(t.Students), ids(t.Batches)
	return t, nil
}

func (db *DB) CreateBatch(ctx context.Context, b roster.Batch) (roster.Batch, error) {
	now := db.now()
	b.CreatedAt, b.UpdatedAt = now, now
	id, err := db.insert(ctx, roster.Batches, fromBatch(b))
	if err != nil {
		return roster.Batch{}, err
	}
	b.ID, b.Students = id, ids(b.Students)
	return b, nil
}

// findByID decodes the document id of c into doc.
// Malformed IDs cannot exist and are reported as not found.
func (db *DB) findByID(ctx context.Context, c roster.Collection, id string, doc interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return c.NotFound()
	}
	if err = db.coll(c).FindOne(ctx, bson.M{"_id": oid}).Decode(doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.NotFound()
		}
		return errors.Wrapf(err, "finding %s", c)
	}
	return nil
}

func (db *DB) FindStudentByID(ctx context.Context, id string) (roster.Student, error) {
	var doc studentDoc
	if err := db.findByID(ctx, roster.Students, id, &doc); err != nil {
		return roster.Student{}, err
	}
	return doc.toStudent(), nil
}

func (db *DB) FindTeacherByID(ctx context.Context, id string) (roster.Teacher, error) {
	var doc teacherDoc
	if err := db.findByID(ctx, roster.Teachers, id, &doc); err != nil {
		return roster.Teacher{}, err
	}
	return doc.toTeacher(), nil
}

func (db *DB) FindBatchByID(ctx context.Context, id string) (roster.Batch, error) {
	var doc batchDoc
	if err := db.findByID(ctx, roster.Batches, id, &doc); err != nil {
		return roster.Batch{}, err
	}
	return doc.toBatch(), nil
}

func objectIDs(ss []string) []primitive.ObjectID {
	oids := make([]primitive.ObjectID, 0, len(ss))
	for _, s := range ss {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			oids = append(oids, oid)
		}
	}
	return oids
}

func insensitive(pattern string) primitive.Regex {
	return primitive.Regex{Pattern: pattern, Options: "i"}
}

// query translates f into a filter document and find options.
func query(c roster.Collection, f roster.Filter, searchFields ...string) (bson.M, *options.FindOptions) {
	filter := bson.M{}
	if f.IDs != nil {
		filter["_id"] = bson.M{"$in": objectIDs(f.IDs)}
	}
	if f.Teacher != "" && c == roster.Batches {
		filter["teacher"] = f.Teacher
	}
	if f.Email != "" {
		filter["email"] = insensitive("^" + regexp.QuoteMeta(f.Email) + "$")
	}
	if f.Search != "" {
		or := make(bson.A, 0, len(searchFields))
		for _, fld := range searchFields {
			or = append(or, bson.M{fld: insensitive(regexp.QuoteMeta(f.Search))})
		}
		filter["$or"] = or
	}
	created := bson.M{}
	if !f.CreatedFrom.IsZero() {
		created["$gte"] = f.CreatedFrom
	}
	if !f.CreatedTo.IsZero() {
		created["$lt"] = f.CreatedTo
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	sort := bson.D{}
	for _, ord := range c.Orderings(f.Ordering) {
		dir := -1
		if ord.Ascending {
			dir = 1
		}
		sort = append(sort, bson.E{Key: ord.Field, Value: dir})
	}
	sort = append(sort, bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1})
	return filter, options.Find().SetSort(sort)
}

func (db *DB) find(ctx context.Context, c roster.Collection, f roster.Filter, docs interface{}, searchFields ...string) error {
	filter, opts := query(c, f, searchFields...)
	cur, err := db.coll(c).Find(ctx, filter, opts)
	if err != nil {
		return errors.Wrapf(err, "finding %s", c)
	}
	return errors.Wrapf(cur.All(ctx, docs), "decoding %s", c)
}

func (db *DB) FindStudents(ctx context.Context, f roster.Filter) ([]roster.Student, error) {
	var docs []studentDoc
	if err := db.find(ctx, roster.Students, f, &docs, "name", "email"); err != nil {
		return nil, err
	}
	students := make([]roster.Student, 0, len(docs))
	for _, d := range docs {
		students = append(students, d.toStudent())
	}
	return students, nil
}

func (db *DB) FindTeachers(ctx context.Context, f roster.Filter) ([]roster.Teacher, error) {
	var docs []teacherDoc
	if err := db.find(ctx, roster.Teachers, f, &docs, "name", "email"); err != nil {
		return nil, err
	}
	teachers := make([]roster.Teacher, 0, len(docs))
	for _, d := range docs {
		teachers = append(teachers, d.toTeacher())
	}
	return teachers, nil
}

func (db *DB) FindBatches(ctx context.Context, f roster.Filter) ([]roster.Batch, error) {
	var docs []batchDoc
	if err := db.find(ctx, roster.Batches, f, &docs, "batch_name"); err != nil {
		return nil, err
	}
	batches := make([]roster.Batch, 0, len(docs))
	for _, d := range docs {
		batches = append(batches, d.toBatch())
	}
	return batches, nil
}

func patchFields(p roster.Patch) bson.M {
	set := bson.M{}
	strs := map[string]*string{
		"name":       p.Name,
		"email":      p.Email,
		"phone":      p.Phone,
		"status":     p.Status,
		"school":     p.School,
		"expertise":  p.Expertise,
		"batch_name": p.BatchName,
		"teacher":    p.Teacher,
	}
	for k, v := range strs {
		if v != nil {
			set[k] = *v
		}
	}
	if p.PasswordHash != nil {
		set["password_hash"] = p.PasswordHash
	}
	if p.Revenue != nil {
		set["revenue"] = *p.Revenue
	}
	if p.StartDate != nil {
		set["start_date"] = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		set["end_date"] = p.EndDate.UTC()
	}
	if p.Schedule != nil {
		set["schedule"] = scheduleDoc{Days: ids(p.Schedule.Days), Time: p.Schedule.Time}
	}
	return set
}

// update translates m into an update document using $addToSet, $pull and $set.
func (db *DB) update(c roster.Collection, m roster.Mutation) bson.M {
	set := patchFields(m.Patch)
	set["updated_at"] = db.now()
	for f, v := range m.Replace {
		set[string(f)] = ids(v)
	}
	upd := bson.M{"$set": set}
	if len(m.AddToSet) > 0 {
		add := bson.M{}
		for f, v := range m.AddToSet {
			add[string(f)] = bson.M{"$each": ids(v)}
		}
		upd["$addToSet"] = add
	}
	if len(m.Pull) > 0 {
		pull := bson.M{}
		for f, v := range m.Pull {
			pull[string(f)] = bson.M{"$in": ids(v)}
		}
		upd["$pull"] = pull
	}
	if c == roster.Students {
		upd["$inc"] = bson.M{"version": 1}
	}
	return upd
}

func (db *DB) UpdateOne(ctx context.Context, c roster.Collection, id string, m roster.Mutation) error {
	if err := m.Validate(c); err != nil {
		return err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return c.NotFound()
	}

	filter := bson.M{"_id": oid}
	if m.IfVersion > 0 {
		filter["version"] = m.IfVersion
	}
	res, err := db.coll(c).UpdateOne(ctx, filter, db.update(c, m))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return roster.ErrEmailExists
		}
		return errors.Wrapf(err, "updating %s", c)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	if m.IfVersion > 0 {
		n, err := db.coll(c).CountDocuments(ctx, bson.M{"_id": oid})
		if err != nil {
			return errors.Wrapf(err, "updating %s", c)
		}
		if n > 0 {
			return roster.ErrVersionConflict
		}
	}
	return c.NotFound()
}
