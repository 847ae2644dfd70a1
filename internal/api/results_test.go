package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterline/platform/internal/domain"
)

func TestListFolders_Empty(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/results/folders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"folders":[]}`, string(body))
}

func TestListFolders_NewestFirst(t *testing.T) {
	e := newTestEnv(t)
	first := e.writeResultFolder(t, "run-1")
	second := e.writeResultFolder(t, "run-2")

	resp, body := e.do(t, http.MethodGet, "/results/folders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Folders []domain.FolderSummary `json:"folders"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Folders, 2)
	assert.Equal(t, second, out.Folders[0].Name)
	assert.Equal(t, first, out.Folders[1].Name)
	assert.Equal(t, "greedy", out.Folders[0].SolverType)
	assert.Equal(t, 2, out.Folders[0].FileCount)
	assert.Greater(t, out.Folders[0].TotalSize, int64(0))
}

func TestDeleteFolder_RemovesAndRefreshesListing(t *testing.T) {
	e := newTestEnv(t)
	folder := e.writeResultFolder(t, "run-1")

	// Prime the listing cache, then delete; the next listing must not serve
	// the stale cached set.
	resp, _ := e.do(t, http.MethodGet, "/results/folders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodDelete, "/results/delete/"+folder, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"deleted"}`, string(body))

	resp, body = e.do(t, http.MethodGet, "/results/folders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"folders":[]}`, string(body))

	_, err := e.store.Get(context.Background(), folder+"/metadata.json")
	assert.True(t, domain.IsNotFound(err))
}

func TestDeleteFolder_Idempotent(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodDelete, "/results/delete/Result_99", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"deleted"}`, string(body))
}

func TestDeleteFolder_RejectsInvalidName(t *testing.T) {
	e := newTestEnv(t)

	for _, name := range []string{"Result_0", "Result_abc", "notafolder", "Result_01"} {
		resp, _ := e.do(t, http.MethodDelete, "/results/delete/"+name, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "name=%s", name)
	}
}
