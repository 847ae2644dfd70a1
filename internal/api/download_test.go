package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFolder_ZipRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	folder := e.writeResultFolder(t, "run-1")

	resp, body := e.do(t, http.MethodGet, "/download/folder/"+folder, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), folder+".zip")

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	names := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		// Archives are assembled store-only so they stream without buffering.
		assert.Equal(t, zip.Store, f.Method, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		names[f.Name] = data
	}
	require.Contains(t, names, "results.json")
	require.Contains(t, names, "metadata.json")
	assert.JSONEq(t, `{"solutions":[]}`, string(names["results.json"]))
}

func TestDownloadFolder_UnknownFolder(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/download/folder/Result_7", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadFolder_InFlightFolderIsHidden(t *testing.T) {
	e := newTestEnv(t)

	// Results written but no metadata yet: the folder is still assembling.
	ctx := context.Background()
	require.NoError(t, e.store.Put(ctx, "Result_3/results.json", []byte(`{}`), "application/json"))

	resp, _ := e.do(t, http.MethodGet, "/download/folder/Result_3", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadFolder_RejectsInvalidName(t *testing.T) {
	e := newTestEnv(t)

	for _, name := range []string{"Result_0", "junk", "Result_1x"} {
		resp, _ := e.do(t, http.MethodGet, "/download/folder/"+name, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "name=%s", name)
	}
}
