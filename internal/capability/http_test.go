package capability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"url": srv.URL}})
	require.NoError(t, err)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, 200, out["status_code"])
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPRequest_PostBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &received)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"incident": "INC-42"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 201, out["status_code"])
	assert.Equal(t, "INC-42", received["incident"])
}

func TestHTTPRequest_ErrorStatusSetsSuccessFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
}

func TestHTTPRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPRequest_BearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	_, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"url": srv.URL},
		Auth:   map[string]any{"type": "bearer", "token": "sekret"},
	})
	require.NoError(t, err)
}

func TestHTTPRequest_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{})
	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"url":     srv.URL,
		"timeout": "20ms",
	}})
	assert.Error(t, err)
}

func TestHTTPRequest_InvalidURL(t *testing.T) {
	a := newHTTPRequestAction(HTTPConfig{})
	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"url": "ftp://nope"}})
	assert.Error(t, err)
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	a := newHTTPRequestAction(HTTPConfig{})
	err := a.Validate(map[string]any{})
	assert.Error(t, err)
}

func TestHTTPGet_ForcesMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
	}))
	defer srv.Close()

	get := &httpGetAction{inner: newHTTPRequestAction(HTTPConfig{})}
	_, err := get.Execute(context.Background(), ActionInput{Params: map[string]any{
		"url":    srv.URL,
		"method": "DELETE",
	}})
	require.NoError(t, err)
}

func TestHTTPRequest_MaxResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	a := newHTTPRequestAction(HTTPConfig{MaxResponseBody: 16})
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	body, ok := out["body"].(string)
	require.True(t, ok)
	assert.Len(t, body, 16)
}
