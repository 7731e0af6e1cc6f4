package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeraven/filebot/internal/cache"
	"github.com/lakeraven/filebot/internal/engine"
	"github.com/lakeraven/filebot/internal/globals/memstore"
	"github.com/lakeraven/filebot/internal/pool"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
)

func newService(t *testing.T) *Service {
	t.Helper()
	tree := memstore.New()
	p, err := pool.New(context.Background(), tree.Dial, pool.Config{Size: 2, CheckoutTimeout: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	eng := engine.New(schema.DefaultRegistry(), p, xref.NewManager(nil), router.New(router.Config{MinPatternLength: 2}, nil),
		engine.WithRecordCache(cache.New[schema.Values]("records", 50, time.Minute)),
		engine.WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }),
	)
	return NewService(eng)
}

func seed(t *testing.T, s *Service) []string {
	t.Helper()
	var iens []string
	for _, p := range []map[string]string{
		{".01": "ADAMS,AL", ".02": "M", ".03": "2500101"},
		{".01": "BAKER,BEA", ".02": "F", ".03": "2650101"},
		{".01": "CLARK,CAT", ".02": "F", ".03": "2800101"},
	} {
		res := s.Create(context.Background(), schema.PatientFile, p)
		require.True(t, res.Success, res.Errors)
		iens = append(iens, res.Data.(map[string]string)["ien"])
	}
	return iens
}

func TestSplitFields(t *testing.T) {
	assert.Nil(t, SplitFields("*"))
	assert.Nil(t, SplitFields(""))
	assert.Equal(t, []string{".01", ".02", ".03"}, SplitFields(".01; .02;.03;"))
}

func TestResultEnvelope(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	iens := seed(t, s)

	res := s.Gets(ctx, schema.PatientFile, iens[1], ".01;.02", "IE")
	require.True(t, res.Success)
	vals := res.Data.([]engine.FieldValue)
	assert.Equal(t, "FEMALE", vals[1].External)
	assert.Equal(t, "F", vals[1].Internal)

	res = s.Gets(ctx, schema.PatientFile, "99", "*", "E")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"Record not found"}, res.Errors)

	res = s.Update(ctx, schema.PatientFile, iens[0], map[string]string{".01": "bad"})
	assert.False(t, res.Success)
	assert.Equal(t, []string{"NAME must be LAST,FIRST in upper case"}, res.Errors)

	res = s.Update(ctx, schema.PatientFile, iens[0], map[string]string{"NOSUCH": "x"})
	assert.Equal(t, []string{"Unknown field NOSUCH"}, res.Errors)

	res = s.Find(ctx, schema.PatientFile, "BAKER", "B", 10)
	require.True(t, res.Success)
	assert.Equal(t, []engine.Hit{{IEN: iens[1], Key: "BAKER,BEA"}}, res.Data)

	assert.True(t, s.Delete(ctx, schema.PatientFile, iens[2]).Success)
	assert.Equal(t, []string{"Record not found"}, s.Delete(ctx, schema.PatientFile, iens[2]).Errors)
}

func TestLockMessagesNameHolder(t *testing.T) {
	s := newService(t)
	iens := seed(t, s)
	alice := engine.WithHolder(context.Background(), "alice")
	bob := engine.WithHolder(context.Background(), "bob")

	res := s.Lock(alice, schema.PatientFile, iens[0], 60)
	require.True(t, res.Success)
	assert.Equal(t, "alice", res.Data.(engine.LockInfo).Holder)

	res = s.Lock(bob, schema.PatientFile, iens[0], 0)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"Record " + iens[0] + " in file 2 is locked by alice"}, res.Errors)

	assert.True(t, s.Unlock(alice, schema.PatientFile, iens[0]).Success)
	assert.True(t, s.Lock(bob, schema.PatientFile, iens[0], 0).Success)
}

func TestListScreens(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	iens := seed(t, s)

	tests := []struct {
		name   string
		screen string
		want   []string
	}{
		{"none", "", iens},
		{"by sex", `piece(zero, 2) == "F"`, iens[1:]},
		{"by date", `piece(zero, 3) < "2700101"`, iens[:2]},
		{"combined", `piece(zero, 2) == "F" && piece(zero, 3) < "2700101"`, iens[1:2]},
		{"regex", `zero =~ "^C"`, iens[2:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.List(ctx, schema.PatientFile, "", ".01", 10, tt.screen)
			require.True(t, res.Success, res.Errors)
			var got []string
			for _, row := range res.Data.([]engine.Row) {
				got = append(got, row.IEN)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	res := s.List(ctx, schema.PatientFile, "", ".01", 10, `piece(zero`)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "screen")

	res = s.List(ctx, schema.PatientFile, "", ".01", 10, `piece(zero, 2, 3) == "F"`)
	assert.False(t, res.Success)
}

func TestPanicBecomesFailure(t *testing.T) {
	s := newService(t)
	res := s.call("boom", func() Result { panic("nil map") })
	assert.False(t, res.Success)
	assert.Equal(t, []string{"internal error in boom"}, res.Errors)
}

func post(t *testing.T, mux http.Handler, op string, req Request, holder string) (*httptest.ResponseRecorder, Result) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/fileman/"+op, bytes.NewReader(body))
	if holder != "" {
		r.Header.Set(HolderHeader, holder)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return w, res
}

func TestHandler(t *testing.T) {
	s := newService(t)
	mux := http.NewServeMux()
	NewHandler(s).Register(mux)

	w, res := post(t, mux, "create", Request{File: "2", Data: map[string]string{"NAME": "DOE,JANE", "SEX": "F", "SOCIAL SECURITY NUMBER": "123456789"}}, "")
	require.Equal(t, http.StatusOK, w.Code, res.Errors)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	ien := res.Data.(map[string]any)["ien"].(string)

	w, res = post(t, mux, "gets", Request{File: "2", IEN: ien, Fields: ".09", Flags: "E"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	fields := res.Data.([]any)
	assert.Equal(t, "123-45-6789", fields[0].(map[string]any)["external"])

	w, _ = post(t, mux, "gets", Request{File: "2", IEN: "404"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, res = post(t, mux, "update", Request{File: "2", IEN: ien, Data: map[string]string{"SEX": "X"}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, res.Success)

	w, _ = post(t, mux, "lock", Request{File: "2", IEN: ien, Timeout: 30}, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	w, res = post(t, mux, "update", Request{File: "2", IEN: ien, Data: map[string]string{"SEX": "M"}}, "bob")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []string{"Record " + ien + " in file 2 is locked by alice"}, res.Errors)

	w, _ = post(t, mux, "find", Request{File: "2", Value: "DOE"}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = post(t, mux, "frobnicate", Request{File: "2"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = post(t, mux, "find", Request{File: "9999", Value: "X"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = post(t, mux, "list", Request{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+ien+"/summary", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "FEMALE", res.Data.(map[string]any)["sex"])
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(newService(t)).Register(mux)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/fileman/gets", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
