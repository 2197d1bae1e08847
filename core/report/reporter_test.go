package report

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
	"github.com/trezcool/bootcamp/core/roster/rostertest"
	inmemdb "github.com/trezcool/bootcamp/storage/database/inmem"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memCache is a Cache keeping JSON in memory, ignoring TTLs.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string, dst interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(b, dst)
}

func (c *memCache) Set(_ context.Context, key string, val interface{}, _ time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	c.sets++
	return nil
}

func (c *memCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

type fixture struct {
	store  *inmemdb.DB
	clock  *clock
	t1, t2 roster.Teacher
	b1, b2 roster.Batch
	b3     roster.Batch
	s1, s2 roster.Student
}

// newFixture: t1 owns b1 (100) and b2 (99), t2 owns b3 (101).
// s1 attends b1 and b2, s2 attends b2 and b3.
func newFixture(t *testing.T) fixture {
	c := &clock{now: time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)}
	store := inmemdb.Open(inmemdb.WithClock(c.Now))
	f := fixture{store: store, clock: c}

	f.t1 = rostertest.CreateTeacher(t, store, "Tea One")
	f.t2 = rostertest.CreateTeacher(t, store, "Tea Two")
	f.b1 = rostertest.CreateBatch(t, store, "Alpha", f.t1.ID, 100)
	c.Set(time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC))
	f.b2 = rostertest.CreateBatch(t, store, "Beta", f.t1.ID, 99)
	f.s1 = rostertest.CreateStudent(t, store, "Stu One")
	c.Set(time.Date(2024, time.March, 31, 23, 30, 0, 0, time.UTC))
	f.b3 = rostertest.CreateBatch(t, store, "Gamma", f.t2.ID, 101)
	f.s2 = rostertest.CreateStudent(t, store, "Stu Two")
	c.Set(time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC))

	rostertest.Link(t, store, f.s1.ID, f.b1.ID, f.b2.ID)
	rostertest.Link(t, store, f.s2.ID, f.b2.ID, f.b3.ID)
	return f
}

func TestReporter_MonthlyRevenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	months, err := NewReporter(f.store, revenue.NewCalculator(revenue.ModeIndependent)).MonthlyRevenue(ctx, 2024)
	require.NoError(t, err)
	require.Len(t, months, 12)
	assert.Equal(t, MonthlyRevenue{Month: 1, Name: "January", Revenue: 100}, months[0])
	assert.Equal(t, float64(0), months[1].Revenue)
	assert.Equal(t, float64(200), months[2].Revenue)

	// 23:30 UTC on March 31st is April 1st in Kinshasa
	loc := time.FixedZone("WAT", 3600)
	months, err = NewReporter(f.store, revenue.Calculator{}, WithLocation(loc)).MonthlyRevenue(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, float64(99), months[2].Revenue)
	assert.Equal(t, float64(101), months[3].Revenue)

	months, err = NewReporter(f.store, revenue.Calculator{}).MonthlyRevenue(ctx, 2023)
	require.NoError(t, err)
	for _, m := range months {
		assert.Zero(t, m.Revenue)
	}
}

func TestReporter_MonthlyEnrollment(t *testing.T) {
	f := newFixture(t)
	months, err := NewReporter(f.store, revenue.Calculator{}).MonthlyEnrollment(context.Background(), 2024)
	require.NoError(t, err)
	require.Len(t, months, 12)
	assert.Equal(t, 2, months[2].Students)
	assert.Equal(t, "March", months[2].Name)

	total := 0
	for _, m := range months {
		total += m.Students
	}
	assert.Equal(t, 2, total)
}

func TestReporter_BatchRollup(t *testing.T) {
	f := newFixture(t)
	rows, err := NewReporter(f.store, revenue.NewCalculator(revenue.ModeIndependent)).BatchRollup(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, BatchRow{
		BatchID: f.b1.ID, BatchName: "Alpha", Teacher: f.t1.ID, StudentCount: 1,
		Revenue: 100, StudentShare: 50, TeacherShare: 20, PlatformShare: 30,
	}, rows[0])
	assert.Equal(t, BatchRow{
		BatchID: f.b2.ID, BatchName: "Beta", Teacher: f.t1.ID, StudentCount: 2,
		Revenue: 99, StudentShare: 50, TeacherShare: 20, PlatformShare: 30,
	}, rows[1])
	assert.Equal(t, BatchRow{
		BatchID: f.b3.ID, BatchName: "Gamma", Teacher: f.t2.ID, StudentCount: 1,
		Revenue: 101, StudentShare: 51, TeacherShare: 20, PlatformShare: 30,
	}, rows[2])

	rows, err = NewReporter(f.store, revenue.NewCalculator(revenue.ModeStrict)).BatchRollup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(29), rows[1].PlatformShare)
}

func TestReporter_TeacherRollup(t *testing.T) {
	f := newFixture(t)
	r := NewReporter(f.store, revenue.Calculator{})
	ctx := context.Background()

	tr, err := r.TeacherRollup(ctx, f.t1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.TotalBatches)
	assert.Equal(t, 2, tr.TotalStudents, "s1 attends both batches and is counted once")
	assert.Equal(t, float64(40), tr.TotalEarnings)
	require.Len(t, tr.Batches, 2)
	assert.Equal(t, f.b1.ID, tr.Batches[0].BatchID)

	tr, err = r.TeacherRollup(ctx, f.t2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.TotalStudents)
	assert.Equal(t, float64(20), tr.TotalEarnings)

	_, err = r.TeacherRollup(ctx, "nobody")
	assert.True(t, errors.Is(err, roster.ErrTeacherNotFound), "got %v", err)
}

func TestReporter_StudentRollup(t *testing.T) {
	f := newFixture(t)
	r := NewReporter(f.store, revenue.Calculator{})

	sr, err := r.StudentRollup(context.Background(), f.s2.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sr.TotalBatches)
	assert.Equal(t, 2, sr.TotalTeachers)
	assert.Equal(t, []StudentBatch{
		{BatchID: f.b2.ID, BatchName: "Beta", Teacher: f.t1.ID},
		{BatchID: f.b3.ID, BatchName: "Gamma", Teacher: f.t2.ID},
	}, sr.Batches)

	_, err = r.StudentRollup(context.Background(), "nobody")
	assert.True(t, errors.Is(err, roster.ErrStudentNotFound), "got %v", err)
}

func TestReporter_PlatformTotals(t *testing.T) {
	f := newFixture(t)
	r := NewReporter(f.store, revenue.NewCalculator(revenue.ModeStrict))

	totals, err := r.PlatformTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PlatformTotals{
		TotalRevenue:       300,
		TotalStudentShare:  151,
		TotalTeacherShare:  60,
		TotalPlatformShare: 89,
		StudentCount:       2,
		TeacherCount:       2,
		BatchCount:         3,
	}, totals)
	assert.Equal(t, totals.TotalRevenue, totals.TotalStudentShare+totals.TotalTeacherShare+totals.TotalPlatformShare)
}

func TestReporter_cache(t *testing.T) {
	f := newFixture(t)
	cache := newMemCache()
	r := NewReporter(f.store, revenue.Calculator{}, WithCache(cache, time.Minute))
	ctx := context.Background()

	first, err := r.PlatformTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	rostertest.CreateBatch(t, f.store, "Delta", f.t2.ID, 1000)
	stale, err := r.PlatformTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, stale)
	assert.Equal(t, 1, cache.sets)

	require.NoError(t, r.Invalidate(ctx))
	fresh, err := r.PlatformTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, fresh.BatchCount)
	assert.Equal(t, float64(1300), fresh.TotalRevenue)
}
