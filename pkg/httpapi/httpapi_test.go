package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/broker"
	"github.com/d71dev/megaphone/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*broker.Broker, *agent.Registry) {
	t.Helper()
	reg := agent.NewRegistry(0)
	a, err := reg.AddMaster("agent1")
	require.NoError(t, err)
	a.ChangeTS = time.Now().Add(-2 * agent.DefaultWarmup)
	b := broker.New(reg, webhook.NewDispatcher(nil), 50*time.Millisecond)
	return b, reg
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(v))
}

func TestHandleCreateSuccess(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{AllowedOrigins: []string{"*"}})

	reqBody := `{"protocols":["http-stream-ndjson-v1"]}`
	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createResponse
	decodeJSON(t, rec.Body, &resp)
	assert.Equal(t, "agent1", resp.AgentName)
	assert.NotEmpty(t, resp.ChannelID)
	assert.NotEmpty(t, resp.ConsumerAddress)
	assert.NotEmpty(t, resp.ProducerAddress)
}

func TestHandleCreateRejectsUnsupportedProtocol(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["carrier-pigeon"]}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope errorEnvelope
	decodeJSON(t, rec.Body, &envelope)
	assert.Equal(t, "BAD_REQUEST", envelope.Code)
}

func TestHandleWriteRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["http-stream-ndjson-v1"]}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var created createResponse
	decodeJSON(t, rec.Body, &created)

	writeReq := httptest.NewRequest(http.MethodPost, "/write/"+created.ProducerAddress+"/test", strings.NewReader(`{"hello":"world"}`))
	writeRec := httptest.NewRecorder()
	r.ServeHTTP(writeRec, writeReq)
	require.Equal(t, http.StatusCreated, writeRec.Code, writeRec.Body.String())
	var status map[string]string
	decodeJSON(t, writeRec.Body, &status)
	assert.Equal(t, "OK", status["status"])
}

func TestHandleWriteNotFound(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	req := httptest.NewRequest(http.MethodPost, "/write/agent1.00000000000000000000000000000000000000000000000000.1/test", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestHandleWriteBatchBroadcastsSharedMessagesToEveryChannel(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	createReq := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["http-stream-ndjson-v1"]}`))
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	var created createResponse
	decodeJSON(t, createRec.Body, &created)

	body := `{"channels":["` + created.ProducerAddress + `"],"messages":[{"streamId":"s","body":{"idx":0}},{"streamId":"s","body":{"idx":1}}]}`
	req := httptest.NewRequest(http.MethodPost, "/write-batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Failures []writeBatchFailure `json:"failures"`
	}
	decodeJSON(t, rec.Body, &resp)
	assert.Empty(t, resp.Failures)
}

func TestHandleWriteBatchReportsPerChannelFailuresByIndex(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	bogus := "agent1.nonexistent000000000000000000000000000000000000000.1"
	body := `{"channels":["` + bogus + `"],"messages":[{"streamId":"s","body":{"idx":0}},{"streamId":"s","body":{"idx":1}}]}`
	req := httptest.NewRequest(http.MethodPost, "/write-batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Failures []writeBatchFailure `json:"failures"`
	}
	decodeJSON(t, rec.Body, &resp)
	require.Len(t, resp.Failures, 2)
	for i, f := range resp.Failures {
		assert.Equal(t, bogus, f.Channel)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, "NOT_FOUND", f.Reason)
	}
}

func TestHandleReadStreamsWrittenEvent(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	createReq := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["http-stream-ndjson-v1"]}`))
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	var created createResponse
	decodeJSON(t, createRec.Body, &created)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		readReq := httptest.NewRequest(http.MethodGet, "/read/"+created.ConsumerAddress, nil)
		readRec := httptest.NewRecorder()
		r.ServeHTTP(readRec, readReq)
		done <- readRec
	}()

	time.Sleep(10 * time.Millisecond)
	writeReq := httptest.NewRequest(http.MethodPost, "/write/"+created.ProducerAddress+"/test", strings.NewReader(`{"hello":"world"}`))
	writeRec := httptest.NewRecorder()
	r.ServeHTTP(writeRec, writeReq)
	require.Equal(t, http.StatusCreated, writeRec.Code)

	select {
	case readRec := <-done:
		var line ndjsonEvent
		dec := json.NewDecoder(readRec.Body)
		require.NoError(t, dec.Decode(&line), "body=%s", readRec.Body.String())
		assert.Equal(t, "test", line.StreamID)
		assert.JSONEq(t, `{"hello":"world"}`, string(line.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read stream to complete")
	}
}

func TestHandleChannelsExists(t *testing.T) {
	b, _ := newTestBroker(t)
	r := PublicRouter(b, CORSOptions{})

	createReq := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["http-stream-ndjson-v1"]}`))
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	var created createResponse
	decodeJSON(t, createRec.Body, &created)

	body := `{"channels":["` + created.ConsumerAddress + `","agent1.nonexistent0000000000000000000000000000000.1"]}`
	req := httptest.NewRequest(http.MethodPost, "/channelsExists", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Channels map[string]bool `json:"channels"`
	}
	decodeJSON(t, rec.Body, &resp)
	assert.True(t, resp.Channels[created.ConsumerAddress])
}

func TestManagementVagentListAndAdd(t *testing.T) {
	b, reg := newTestBroker(t)
	r := ManagementRouter(reg, b)

	addReq := httptest.NewRequest(http.MethodPost, "/vagent/add", strings.NewReader(`{"name":"agent2"}`))
	addRec := httptest.NewRecorder()
	r.ServeHTTP(addRec, addReq)
	require.Equal(t, http.StatusCreated, addRec.Code, addRec.Body.String())

	listReq := httptest.NewRequest(http.MethodGet, "/vagent/list?name=agent2", nil)
	listRec := httptest.NewRecorder()
	r.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code, listRec.Body.String())
	var resp map[string]any
	decodeJSON(t, listRec.Body, &resp)
	assert.Equal(t, "agent2", resp["name"])
	assert.Equal(t, "master", resp["status"])
}

func TestManagementVagentListUnknownAgentNotFound(t *testing.T) {
	b, reg := newTestBroker(t)
	r := ManagementRouter(reg, b)

	req := httptest.NewRequest(http.MethodGet, "/vagent/list?name=ghost", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManagementChannelListAndDelete(t *testing.T) {
	b, reg := newTestBroker(t)
	pub := PublicRouter(b, CORSOptions{})
	mgmt := ManagementRouter(reg, b)

	createReq := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"protocols":["http-stream-ndjson-v1"]}`))
	createRec := httptest.NewRecorder()
	pub.ServeHTTP(createRec, createReq)
	var created createResponse
	decodeJSON(t, createRec.Body, &created)

	listReq := httptest.NewRequest(http.MethodGet, "/channel/list", nil)
	listRec := httptest.NewRecorder()
	mgmt.ServeHTTP(listRec, listReq)
	var ids []string
	decodeJSON(t, listRec.Body, &ids)
	require.Equal(t, []string{created.ConsumerAddress}, ids)

	delReq := httptest.NewRequest(http.MethodDelete, "/channel/"+created.ConsumerAddress, nil)
	delRec := httptest.NewRecorder()
	mgmt.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	assert.False(t, b.Exists(created.ConsumerAddress), "channel should no longer exist after delete")
}
