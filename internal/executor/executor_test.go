package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/schema"
)

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStaticExecutor()))
	require.NoError(t, r.Register(NewHTTPExecutor()))

	exec, err := r.Get("static")
	require.NoError(t, err)
	assert.Equal(t, "static", exec.Kind())

	assert.True(t, r.Has("http"))
	assert.False(t, r.Has("smtp"))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "http", infos[0].Kind)
	assert.Equal(t, "static", infos[1].Kind)
}

func TestRegistryDuplicateKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewStaticExecutor()))

	err := r.Register(NewStaticExecutor())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("smtp")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutorUnavailable))
}

func TestStaticExecutorValue(t *testing.T) {
	e := NewStaticExecutor()

	res, err := e.Execute(context.Background(), Request{
		StepID: "seed",
		Config: json.RawMessage(`{"value":{"region":"eu-west-1"}}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"region":"eu-west-1"}`, string(res.Output))
}

func TestStaticExecutorEchoesInput(t *testing.T) {
	e := NewStaticExecutor()

	res, err := e.Execute(context.Background(), Request{
		StepID: "echo",
		Input:  json.RawMessage(`{"hello":"world"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Output))
}

func TestHTTPExecutorPost(t *testing.T) {
	var gotBody string
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"report-42"}`)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	res, err := e.Execute(context.Background(), Request{
		StepID: "submit",
		Config: json.RawMessage(fmt.Sprintf(`{"method":"POST","url":%q,"headers":{"X-Api-Key":"k1"}}`, srv.URL)),
		Input:  json.RawMessage(`{"rows":12}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":12}`, gotBody)
	assert.Equal(t, "k1", gotHeader)

	var out httpOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, map[string]any{"id": "report-42"}, out.Body)
}

func TestHTTPExecutorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), Request{
		StepID: "submit",
		Config: json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL)),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPExecutorBadConfig(t *testing.T) {
	e := NewHTTPExecutor()

	_, err := e.Execute(context.Background(), Request{StepID: "x", Config: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestHTTPExecutorHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewHTTPExecutor()
	_, err := e.Execute(ctx, Request{
		StepID: "slow",
		Config: json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL)),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
