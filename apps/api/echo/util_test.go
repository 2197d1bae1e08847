package echoapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
	"github.com/trezcool/bootcamp/core/roster/rostertest"
	emailsvc "github.com/trezcool/bootcamp/services/email"
	logsvc "github.com/trezcool/bootcamp/services/logger"
	inmemdb "github.com/trezcool/bootcamp/storage/database/inmem"
)

type testApp struct {
	server *Server
	store  roster.Store
	logs   *bytes.Buffer
}

func setup(t *testing.T, opts ...inmemdb.Option) testApp {
	t.Helper()
	emailsvc.ClearSentMessages()

	conf := core.NewTestConfig()
	var logs bytes.Buffer
	logger := logsvc.NewRollbarLogger(log.New(&logs, "", 0), conf)

	store := inmemdb.Open(opts...)
	svc := rostertest.NewService(store)
	calc := revenue.NewCalculator(revenue.ModeIndependent)
	server := NewServer(Options{
		Conf:       conf,
		Logger:     logger,
		Roster:     svc,
		Sync:       enrollment.NewSynchronizer(svc, enrollment.WithLogger(logger)),
		Reporter:   report.NewReporter(store, calc, report.WithLogger(logger)),
		Mailer:     emailsvc.NewConsoleServiceMock(conf),
		Translator: core.NewTranslator(),
	})
	return testApp{server: server, store: store, logs: &logs}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	wantCode int
	wantData []byte
	extra    interface{}
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body io.Reader = http.NoBody
	if len(data) > 0 && data[0] != nil {
		body = bytes.NewReader(data[0])
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return req, rec
}

func (app testApp) do(method, path string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newRequest(method, path, data...)
	app.server.ServeHTTP(rec, req)
	return rec
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func unmarshall(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshall(%s) failed: %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
