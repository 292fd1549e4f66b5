package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wibblevm/microwibble/api"
	"github.com/wibblevm/microwibble/asm"
)

func buildImage(t *testing.T, src string) []byte {
	t.Helper()
	img, err := asm.Assemble(src, "test.mwasm")
	require.NoError(t, err)
	return img
}

func TestCreateRunAndInspectSession(t *testing.T) {
	server := api.NewServer("127.0.0.1:0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	image := buildImage(t, `
.global 1
.func main locals=0 stack=4
LD #3
LD #4
BIN ADD
ST $0
LD $0
RET 1
.endfunc
`)

	createBody, err := json.Marshal(api.SessionCreateRequest{Image: image, HeapSizeWords: 256})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/session", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.SessionCreateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)

	runResp, err := http.Post(ts.URL+"/api/v1/session/"+created.SessionID+"/run", "application/json", nil)
	require.NoError(t, err)
	defer runResp.Body.Close()
	require.Equal(t, http.StatusOK, runResp.StatusCode)

	var ran api.RunResponse
	require.NoError(t, json.NewDecoder(runResp.Body).Decode(&ran))
	require.Equal(t, "halted", ran.Outcome)
	require.Equal(t, []int64{7}, ran.Values)

	statusResp, err := http.Get(ts.URL + "/api/v1/session/" + created.SessionID)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status api.SessionStatusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	require.Equal(t, "halted", status.State)

	globalResp, err := http.Get(ts.URL + "/api/v1/session/" + created.SessionID + "/globals/0")
	require.NoError(t, err)
	defer globalResp.Body.Close()
	require.Equal(t, http.StatusOK, globalResp.StatusCode)

	var global api.GlobalResponse
	require.NoError(t, json.NewDecoder(globalResp.Body).Decode(&global))
	require.Equal(t, int64(7), global.Value)
}

func TestCreateSessionRejectsBadImage(t *testing.T) {
	server := api.NewServer("127.0.0.1:0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	createBody, err := json.Marshal(api.SessionCreateRequest{Image: []byte("not an image")})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/session", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionNotFound(t *testing.T) {
	server := api.NewServer("127.0.0.1:0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/session/doesnotexist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
