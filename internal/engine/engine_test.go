package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeraven/filebot/internal/cache"
	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/globals/memstore"
	"github.com/lakeraven/filebot/internal/pool"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	*Engine
	tree  *memstore.Tree
	clock *clock
	ctx   context.Context
}

func newHarness(t *testing.T, storeOpts []memstore.Option, opts ...Option) *harness {
	t.Helper()
	tree := memstore.New(storeOpts...)
	return newHarnessDial(t, tree, tree.Dial, opts...)
}

func newHarnessDial(t *testing.T, tree *memstore.Tree, dial globals.Dialer, opts ...Option) *harness {
	t.Helper()
	p, err := pool.New(context.Background(), dial, pool.Config{Size: 3, CheckoutTimeout: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := router.New(router.Config{BulkThreshold: 100, MinPatternLength: 2}, nil)
	base := []Option{
		WithClock(clk.Now),
		WithRecordCache(cache.New[schema.Values]("records", 100, time.Minute, cache.WithClock(clk.Now))),
		WithSearchCache(cache.New[[]xref.Match]("searches", 100, time.Minute, cache.WithClock(clk.Now))),
	}
	e := New(schema.DefaultRegistry(), p, xref.NewManager(nil), r, append(base, opts...)...)
	return &harness{Engine: e, tree: tree, clock: clk, ctx: context.Background()}
}

func (h *harness) create(t *testing.T, file string, input map[string]string) string {
	t.Helper()
	ien, err := h.Create(h.ctx, file, input)
	require.NoError(t, err)
	return ien
}

func iens(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.IEN
	}
	return out
}

func TestCreateThenFindByName(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{"NAME": "SMITH,JOHN", ".09": "123456789"})
	assert.Equal(t, "1", ien)

	hits, err := h.Find(h.ctx, schema.PatientFile, "SMITH", ".01", 0)
	require.NoError(t, err)
	assert.Contains(t, iens(hits), ien)
}

func TestCreateMaintainsHeader(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, schema.PatientFile, map[string]string{"NAME": "ONE,PATIENT"})
	second := h.create(t, schema.PatientFile, map[string]string{"NAME": "TWO,PATIENT"})
	require.NoError(t, h.Delete(h.ctx, schema.PatientFile, second))
	third := h.create(t, schema.PatientFile, map[string]string{"NAME": "THREE,PATIENT"})
	assert.Equal(t, "3", third, "record numbers are not reused")

	conn, err := h.tree.Dial(h.ctx)
	require.NoError(t, err)
	defer conn.Close()
	hdr, err := schema.Patient().LoadHeader(h.ctx, conn)
	require.NoError(t, err)
	assert.EqualValues(t, 3, hdr.LastIEN)
	assert.EqualValues(t, 2, hdr.Count)

	raw, ok, err := conn.Get(h.ctx, "DPT", "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PATIENT^2^3^2", raw)
}

func TestRenameMovesIndexEntry(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "CROSSREF,TEST"})

	hits, err := h.Find(h.ctx, schema.PatientFile, "CROSSREF", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{ien}, iens(hits))

	_, err = h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".01": "NEWNAME,TEST"})
	require.NoError(t, err)

	hits, err = h.Find(h.ctx, schema.PatientFile, "CROSSREF", "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = h.Find(h.ctx, schema.PatientFile, "NEWNAME", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{ien}, iens(hits))

	require.NoError(t, h.Delete(h.ctx, schema.PatientFile, ien))
	hits, err = h.Find(h.ctx, schema.PatientFile, "NEWNAME", "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteMissingRecord(t *testing.T) {
	h := newHarness(t, nil)
	err := h.Delete(h.ctx, schema.PatientFile, "99")
	assert.ErrorIs(t, err, fberrors.ErrNotFound)
	_, locked := h.LockStatus(schema.PatientFile, "99")
	assert.False(t, locked)
}

func TestGetBatchSkipsMissing(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store []memstore.Option
		batch router.BatchConfig
	}{
		{"sequential", nil, router.BatchConfig{ParallelThreshold: 5, Workers: 4}},
		{"parallel", nil, router.BatchConfig{ParallelThreshold: 1, Workers: 4}},
		{"bulk", []memstore.Option{memstore.WithCapabilities(globals.Capabilities{Bulk: true})}, router.BatchConfig{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.store, WithBatch(tc.batch))
			id1 := h.create(t, schema.PatientFile, map[string]string{".01": "BATCH,ONE"})

			recs, err := h.GetBatch(h.ctx, schema.PatientFile, []string{id1, "404"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, id1, recs[0].IEN)
			assert.Equal(t, "BATCH,ONE", recs[0].Values[".01"])
		})
	}
}

func TestGetBatchKeepsRequestOrder(t *testing.T) {
	h := newHarness(t, nil, WithBatch(router.BatchConfig{ParallelThreshold: 2, Workers: 3}))
	var want []string
	for _, name := range []string{"A,ONE", "B,TWO", "C,THREE", "D,FOUR", "E,FIVE"} {
		want = append(want, h.create(t, schema.PatientFile, map[string]string{".01": name}))
	}
	reversed := []string{want[4], want[3], "77", want[2], want[1], want[0]}
	recs, err := h.GetBatch(h.ctx, schema.PatientFile, reversed)
	require.NoError(t, err)
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.IEN
	}
	assert.Equal(t, []string{want[4], want[3], want[2], want[1], want[0]}, got)
}

// stalledConn holds GetMany after the read completes until released.
type stalledConn struct {
	*globals.Ordered
	armed   *atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (c stalledConn) GetMany(ctx context.Context, global string, paths [][]string) ([]globals.Value, error) {
	vals, err := c.Ordered.GetMany(ctx, global, paths)
	if c.armed.Load() {
		c.read <- struct{}{}
		<-c.release
	}
	return vals, err
}

func TestGetBatchDoesNotCacheReadOverlappingUpdate(t *testing.T) {
	tree := memstore.New(memstore.WithCapabilities(globals.Capabilities{Bulk: true}))
	armed := new(atomic.Bool)
	read, release := make(chan struct{}), make(chan struct{})
	dial := func(ctx context.Context) (globals.Conn, error) {
		conn, err := tree.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return stalledConn{Ordered: conn.(*globals.Ordered), armed: armed, read: read, release: release}, nil
	}
	h := newHarnessDial(t, tree, dial)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "OLD,NAME"})
	h.Invalidate(h.ctx, schema.PatientFile, ien)

	armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.GetBatch(h.ctx, schema.PatientFile, []string{ien, "404"})
		done <- err
	}()
	<-read
	_, err := h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".01": "NEW,NAME"})
	require.NoError(t, err)
	armed.Store(false)
	close(release)
	require.NoError(t, <-done)

	rec, err := h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Equal(t, "NEW,NAME", rec.Values[".01"])
}

func TestGetFieldsFormatsAtReadBoundary(t *testing.T) {
	h := newHarness(t, nil)
	state := h.create(t, schema.StateFile, map[string]string{".01": "NEW YORK", "1": "ny"})
	ien := h.create(t, schema.PatientFile, map[string]string{
		"NAME":          "DOE,JANE",
		"SEX":           "female",
		"DATE OF BIRTH": "01/15/1965",
		".09":           "123-45-6789",
		".115":          state,
	})

	vals, err := h.GetFields(h.ctx, schema.PatientFile, ien, []string{".02", ".03", ".09", ".115"}, ParseFormat("IE"))
	require.NoError(t, err)
	require.Len(t, vals, 4)
	assert.Equal(t, FieldValue{Number: ".02", Name: "SEX", Internal: "F", External: "FEMALE"}, vals[0])
	assert.Equal(t, FieldValue{Number: ".03", Name: "DATE OF BIRTH", Internal: "2650115", External: "01/15/1965"}, vals[1])
	assert.Equal(t, "123456789", vals[2].Internal)
	assert.Equal(t, "123-45-6789", vals[2].External)
	assert.Equal(t, state+";5", vals[3].Internal)
	assert.Equal(t, "NEW YORK", vals[3].External)

	ext, err := h.GetFields(h.ctx, schema.PatientFile, ien, []string{"SEX"}, ParseFormat(""))
	require.NoError(t, err)
	assert.Equal(t, "FEMALE", ext[0].External)
	assert.Empty(t, ext[0].Internal)

	_, err = h.GetFields(h.ctx, schema.PatientFile, "55", nil, External)
	assert.ErrorIs(t, err, fberrors.ErrNotFound)
	_, err = h.GetFields(h.ctx, schema.PatientFile, ien, []string{"NOPE"}, External)
	assert.ErrorIs(t, err, fberrors.ErrInvalidInput)
}

func TestZeroNodeKeepsEmptyPieces(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".03": "2650101", ".09": "123456789"})
	conn, err := h.tree.Dial(h.ctx)
	require.NoError(t, err)
	defer conn.Close()
	zero, ok, err := conn.Get(h.ctx, "DPT", ien, "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "SMITH,JOHN^^2650101^^^^^^123456789^", zero)
}

func TestCreateRejectsInvalidRecord(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.Create(h.ctx, schema.PatientFile, map[string]string{".02": "M"})
	var verr *fberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Messages, "NAME is required")

	_, err = h.Create(h.ctx, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".02": "X"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Messages[0], "SEX must be one of")

	_, err = h.Create(h.ctx, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".115": "9"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"STATE points to missing entry 9 in file 5"}, verr.Messages)

	_, err = h.Create(h.ctx, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".03": "T+1"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Messages, "DATE OF BIRTH cannot be in the future")

	_, err = h.Create(h.ctx, "999", map[string]string{".01": "X"})
	assert.ErrorIs(t, err, fberrors.ErrUnknownFile)
}

func TestUpdateRejectsDelimiterInValue(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".02": "M"})

	_, err := h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".091": "FOO^BAR"})
	var verr *fberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{`REMARKS may not contain "^"`}, verr.Messages)

	rec, err := h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Equal(t, "M", rec.Values[".02"])
	assert.Empty(t, rec.Values[".091"])

	_, err = h.Create(h.ctx, schema.PatientFile, map[string]string{".01": "DOE^JANE"})
	require.ErrorAs(t, err, &verr)
}

func TestValidateDoesNotWrite(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.Validate(h.ctx, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"}))
	assert.ErrorIs(t, h.Validate(h.ctx, schema.PatientFile, map[string]string{".01": "smith"}), fberrors.ErrValidationFailed)
	assert.Zero(t, h.tree.Len())
}

func TestUpdateReleasesLockOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".03": "2650101"})

	_, err := h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".351": "2600101"})
	var verr *fberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"DATE OF DEATH cannot precede DATE OF BIRTH"}, verr.Messages)
	_, locked := h.LockStatus(schema.PatientFile, ien)
	assert.False(t, locked)

	h.tree.FailWith(errors.New("connection reset"))
	_, err = h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".02": "M"})
	h.tree.FailWith(nil)
	assert.ErrorIs(t, err, fberrors.ErrAdapter)
	_, locked = h.LockStatus(schema.PatientFile, ien)
	assert.False(t, locked)

	_, err = h.UpdateFields(h.ctx, schema.PatientFile, "404", map[string]string{".02": "M"})
	assert.ErrorIs(t, err, fberrors.ErrNotFound)
}

func TestUpdateRespectsOtherHoldersLock(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})
	alice := WithHolder(h.ctx, "alice")
	bob := WithHolder(h.ctx, "bob")

	require.NoError(t, h.Lock(alice, schema.PatientFile, ien, time.Minute))

	_, err := h.UpdateFields(bob, schema.PatientFile, ien, map[string]string{".02": "M"})
	var lerr *fberrors.LockConflictError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "alice", lerr.Holder)

	_, err = h.UpdateFields(alice, schema.PatientFile, ien, map[string]string{".02": "M"})
	require.NoError(t, err)
	info, locked := h.LockStatus(schema.PatientFile, ien)
	require.True(t, locked, "explicit lock survives the holder's own update")
	assert.Equal(t, "alice", info.Holder)

	assert.ErrorIs(t, h.Unlock(bob, schema.PatientFile, ien), fberrors.ErrLockConflict)
	require.NoError(t, h.Unlock(alice, schema.PatientFile, ien))
	require.NoError(t, h.Unlock(alice, schema.PatientFile, ien))
}

func TestLockMutualExclusion(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.Lock(WithHolder(h.ctx, who), schema.PatientFile, ien, time.Minute)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var lerr *fberrors.LockConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &lerr):
			conflicts++
			info, _ := h.LockStatus(schema.PatientFile, ien)
			assert.Equal(t, info.Holder, lerr.Holder)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})
	require.NoError(t, h.Lock(WithHolder(h.ctx, "alice"), schema.PatientFile, ien, 10*time.Second))

	h.clock.Advance(9 * time.Second)
	assert.ErrorIs(t, h.Lock(WithHolder(h.ctx, "bob"), schema.PatientFile, ien, 0), fberrors.ErrLockConflict)

	h.clock.Advance(time.Second)
	require.NoError(t, h.Lock(WithHolder(h.ctx, "bob"), schema.PatientFile, ien, 0))
	info, locked := h.LockStatus(schema.PatientFile, ien)
	require.True(t, locked)
	assert.Equal(t, "bob", info.Holder)
	assert.Equal(t, h.clock.Now().Add(DefaultLockTimeout), info.Expires)
}

func TestReadAfterUpdateIsFresh(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".02": "M"})

	rec, err := h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Equal(t, "M", rec.Values[".02"])

	_, err = h.Update(h.ctx, schema.PatientFile, ien, map[string]string{".02": "F"})
	require.NoError(t, err)

	rec, err = h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Equal(t, "F", rec.Values[".02"])
}

func TestAdapterErrorIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})
	h.Invalidate(h.ctx, schema.PatientFile, ien)

	h.tree.FailWith(errors.New("timeout"))
	_, err := h.Get(h.ctx, schema.PatientFile, ien)
	h.tree.FailWith(nil)
	assert.ErrorIs(t, err, fberrors.ErrAdapter)

	rec, err := h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Equal(t, "SMITH,JOHN", rec.Values[".01"])
}

func TestFindAcrossIndexKinds(t *testing.T) {
	h := newHarness(t, nil)
	smith := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".02": "M", ".03": "01/01/1965", ".091": "history of HTN"})
	smyth := h.create(t, schema.PatientFile, map[string]string{".01": "SMYTHE,JANE", ".02": "F", ".03": "06/15/1965", ".091": "hypertension and diabetes"})
	jones := h.create(t, schema.PatientFile, map[string]string{".01": "JONES,AL", ".02": "M", ".03": "1970-02-02"})

	hits, err := h.Find(h.ctx, schema.PatientFile, "SMITH", "SDX", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{smith, smyth}, iens(hits))

	hits, err = h.Find(h.ctx, schema.PatientFile, "hypertension", "REMARKS", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{smith, smyth}, iens(hits), "HTN expands to hypertension")

	hits, err = h.Find(h.ctx, schema.PatientFile, "hypertension diabetes", "AFT", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{smyth}, iens(hits))

	hits, err = h.Find(h.ctx, schema.PatientFile, "M", "SEX", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{smith, jones}, iens(hits))

	hits, err = h.Find(h.ctx, schema.PatientFile, "265", "ADOB", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{smith, smyth}, iens(hits))

	hits, err = h.Find(h.ctx, schema.PatientFile, "02/02/1970", "DATE OF BIRTH", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{jones}, iens(hits))

	hits, err = h.Find(h.ctx, schema.PatientFile, "S", "", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = h.Find(h.ctx, schema.PatientFile, "x", ".111", 0)
	assert.ErrorIs(t, err, fberrors.ErrInvalidInput)
}

func TestFindUsesBulkWhenRouted(t *testing.T) {
	bulk := []memstore.Option{memstore.WithCapabilities(globals.Capabilities{Bulk: true})}
	h := newHarness(t, bulk)
	h.router.Reconfigure(router.Config{PreferBulk: true, BulkThreshold: 10, MinPatternLength: 2})
	a := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,ANN"})
	b := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,BOB"})
	h.create(t, schema.PatientFile, map[string]string{".01": "TAYLOR,CY"})

	hits, err := h.Find(h.ctx, schema.PatientFile, "SMITH", "", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, iens(hits))
}

func TestFullTextLimitAppliesAfterIntersection(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store []memstore.Option
		cfg   router.Config
	}{
		{"scan", nil, router.Config{BulkThreshold: 100, MinPatternLength: 2}},
		{"bulk", []memstore.Option{memstore.WithCapabilities(globals.Capabilities{Bulk: true})}, router.Config{PreferBulk: true, BulkThreshold: 1, MinPatternLength: 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.store)
			h.router.Reconfigure(tc.cfg)
			for i := range 25 {
				h.create(t, schema.PatientFile, map[string]string{".01": "DIAB," + string(rune('A'+i)), ".091": "diabetes"})
			}
			both := h.create(t, schema.PatientFile, map[string]string{".01": "LAST,ONE", ".091": "diabetes asthma"})

			hits, err := h.Find(h.ctx, schema.PatientFile, "diabetes asthma", "AFT", 5)
			require.NoError(t, err)
			assert.Equal(t, []string{both}, iens(hits))

			hits, err = h.Find(h.ctx, schema.PatientFile, "diabetes", "AFT", 5)
			require.NoError(t, err)
			assert.Len(t, hits, 5)
		})
	}
}

func TestFindBitmapAcceptsExternalValue(t *testing.T) {
	h := newHarness(t, nil)
	m1 := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN", ".02": "M"})
	h.create(t, schema.PatientFile, map[string]string{".01": "DOE,JANE", ".02": "F"})
	m2 := h.create(t, schema.PatientFile, map[string]string{".01": "JONES,AL", ".02": "male"})

	for _, v := range []string{"M", "MALE", "male"} {
		hits, err := h.Find(h.ctx, schema.PatientFile, v, "ASX", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{m1, m2}, iens(hits), v)
	}
	hits, err := h.Find(h.ctx, schema.PatientFile, "UNKNOWN", "SEX", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// countingConn counts structured multi-node reads.
type countingConn struct {
	*globals.Ordered
	calls *atomic.Int64
}

func (c countingConn) GetMany(ctx context.Context, global string, paths [][]string) ([]globals.Value, error) {
	c.calls.Add(1)
	return c.Ordered.GetMany(ctx, global, paths)
}

func TestListUsesBulkWhenRouted(t *testing.T) {
	tree := memstore.New(memstore.WithCapabilities(globals.Capabilities{Bulk: true}))
	calls := new(atomic.Int64)
	dial := func(ctx context.Context) (globals.Conn, error) {
		conn, err := tree.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return countingConn{Ordered: conn.(*globals.Ordered), calls: calls}, nil
	}
	h := newHarnessDial(t, tree, dial)
	var female []string
	for i := range 7 {
		sex := "M"
		if i%2 == 1 {
			sex = "F"
		}
		ien := h.create(t, schema.PatientFile, map[string]string{".01": "LIST," + string(rune('A'+i)), ".02": sex, ".114": "ALBANY"})
		if sex == "F" {
			female = append(female, ien)
		}
	}
	screen := func(zero string) (bool, error) { return schema.Piece(zero, 2) == "F", nil }

	walked, err := h.List(h.ctx, schema.PatientFile, "", []string{".01", ".114"}, 2, screen)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())

	h.router.Reconfigure(router.Config{PreferBulk: true, BulkThreshold: 1, MinPatternLength: 2})
	rows, err := h.List(h.ctx, schema.PatientFile, "", []string{".01", ".114"}, 2, screen)
	require.NoError(t, err)
	assert.Positive(t, calls.Load())
	assert.Equal(t, walked, rows)
	require.Len(t, rows, 2)
	assert.Equal(t, female[:2], []string{rows[0].IEN, rows[1].IEN})
	assert.Equal(t, "ALBANY", rows[0].Fields[".114"])

	rows, err = h.List(h.ctx, schema.PatientFile, female[1], nil, 10, screen)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, female[2], rows[0].IEN)
}

func TestListWithScreen(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, schema.PatientFile, map[string]string{".01": "ADAMS,AL", ".02": "M"})
	f2 := h.create(t, schema.PatientFile, map[string]string{".01": "BAKER,BEA", ".02": "F", ".114": "ALBANY"})
	f3 := h.create(t, schema.PatientFile, map[string]string{".01": "CLARK,CAT", ".02": "F"})

	female := func(zero string) (bool, error) { return schema.Piece(zero, 2) == "F", nil }
	rows, err := h.List(h.ctx, schema.PatientFile, "", []string{".01", ".02", ".114"}, 10, female)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, f2, rows[0].IEN)
	assert.Equal(t, map[string]string{".01": "BAKER,BEA", ".02": "FEMALE", ".114": "ALBANY"}, rows[0].Fields)
	assert.Equal(t, f3, rows[1].IEN)

	rows, err = h.List(h.ctx, schema.PatientFile, f2, []string{".01"}, 10, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, f3, rows[0].IEN)

	rows, err = h.List(h.ctx, schema.PatientFile, "", nil, 1, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = h.List(h.ctx, schema.PatientFile, "", nil, 0, func(string) (bool, error) { return false, errors.New("bad screen") })
	assert.ErrorIs(t, err, fberrors.ErrInvalidInput)
}

func TestRebuildRepairsDrift(t *testing.T) {
	h := newHarness(t, nil)
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})
	conn, err := h.tree.Dial(h.ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Kill(h.ctx, "DPT", "B"))

	hits, err := h.Find(h.ctx, schema.PatientFile, "SMITH", "B", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	rep, err := h.Rebuild(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	assert.Positive(t, rep.Written)

	hits, err = h.Find(h.ctx, schema.PatientFile, "SMITH", "B", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{ien}, iens(hits))
}

type recorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *recorder) RecordChanged(_ context.Context, file, ien, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, op+":"+file+":"+ien)
}

func TestWritesNotify(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, nil, WithNotifier(rec))
	ien := h.create(t, schema.PatientFile, map[string]string{".01": "SMITH,JOHN"})
	_, err := h.UpdateFields(h.ctx, schema.PatientFile, ien, map[string]string{".02": "M"})
	require.NoError(t, err)
	require.NoError(t, h.Delete(h.ctx, schema.PatientFile, ien))
	assert.Equal(t, []string{"create:2:1", "update:2:1", "delete:2:1"}, rec.changes)
}

func TestSummaryAndPredictiveWarming(t *testing.T) {
	summaries := cache.New[Summary]("summaries", 10, time.Minute)
	h := newHarness(t, nil, WithSummaryCache(summaries), WithPredictiveWarming(100))
	state := h.create(t, schema.StateFile, map[string]string{".01": "OHIO", "1": "OH"})
	ien := h.create(t, schema.PatientFile, map[string]string{
		".01": "DOE,JOHN", ".02": "M", ".03": "06/02/1960", ".09": "123456789",
		".111": "1 MAIN ST", ".114": "DAYTON", ".115": state, ".116": "45402",
	})

	sum, err := h.Summary(h.ctx, ien)
	require.NoError(t, err)
	assert.Equal(t, Summary{
		IEN: ien, Name: "DOE,JOHN", Sex: "MALE", DateOfBirth: "06/02/1960", Age: 64,
		SSN: "123-45-6789", Address: "1 MAIN ST, DAYTON, OHIO, 45402",
	}, sum)

	summaries.Clear(h.ctx)
	_, err = h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	_, err = h.Get(h.ctx, schema.PatientFile, ien)
	require.NoError(t, err)
	h.records.WaitWarm()
	assert.Equal(t, 1, summaries.Len(), "record hit warmed the summary")
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.TestConnection(h.ctx))
	assert.Zero(t, h.tree.Len())
}
