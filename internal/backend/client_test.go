package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSessionSendsBearerAndDecodes(t *testing.T) {
	var gotAuth string
	var gotReq StartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simulation/start", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = io.WriteString(w, `{"sessionId":"s-1","isResumed":true,"context":{"role":"HR Executive"},
			"history":[{"id":"m1","type":"ai","content":"hi","timestamp":"2024-01-01T00:00:00Z"}],
			"tasks":[{"id":"t1","title":"Screen","status":"pending","priority":"high","requirements":{"minSelections":2}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", func() string { return "tok" })
	resp, err := c.StartSession(context.Background(), StartRequest{Role: "HR Executive", SessionID: "s-1"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "s-1", gotReq.SessionID)
	assert.True(t, resp.IsResumed)
	require.Len(t, resp.History, 1)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, 2, resp.Tasks[0].Requirements.MinSelections)
}

func TestStatusMapping(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"message":"no such session"}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, nil)

	_, err := c.StartSession(context.Background(), StartRequest{Role: "x"})
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Contains(t, err.Error(), "no such session")

	status = http.StatusUnauthorized
	_, err = c.Evaluate(context.Background(), EvaluateRequest{})
	assert.True(t, errors.Is(err, ErrUnauthorized))

	status = http.StatusInternalServerError
	_, err = c.SubmitTask(context.Background(), Submission{TaskID: "t"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)
}

func TestEmptySessionIDRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()
	_, err := NewClient(srv.URL, nil).StartSession(context.Background(), StartRequest{Role: "x"})
	require.Error(t, err)
}

func TestUploadMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simulation/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, "draft", string(b))
		_, _ = io.WriteString(w, `{"url":"https://files/notes.txt"}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, nil).UploadFile(context.Background(), "notes.txt", strings.NewReader("draft"))
	require.NoError(t, err)
	assert.Equal(t, "https://files/notes.txt", res.URL)
}

func TestMediaTokenRequestsAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string][]map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Drew_2a0", body["room_config"]["agents"][0]["agent_name"])
		_, _ = io.WriteString(w, `{"serverUrl":"wss://media","participantToken":"pt"}`)
	}))
	defer srv.Close()

	d, err := NewClient(srv.URL, nil).MediaToken(context.Background(), "Drew_2a0")
	require.NoError(t, err)
	assert.Equal(t, "pt", d.ParticipantToken)
}
