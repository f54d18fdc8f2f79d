// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"
)

type captured struct {
	path, auth, apikey, upsert, contentType, body string
}

func TestUpload(t *testing.T) {
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			apikey:      r.Header.Get("apikey"),
			upsert:      r.Header.Get("x-upsert"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		_, _ = w.Write([]byte(`{"Key":"models/glb/1_a.glb"}`))
	}))
	defer srv.Close()
	dir := fs.NewDir(t, "storage", fs.WithFile("a.glb", "glTF"))

	s := NewSupabase(srv.URL+"/", "svc-key", "assets", srv.Client())
	url, err := s.Upload(context.Background(), dir.Join("a.glb"), "/models/glb/1_a.glb")
	assert.NilError(t, err)

	assert.Equal(t, url, srv.URL+"/storage/v1/object/public/assets/models/glb/1_a.glb")
	c := <-got
	assert.Equal(t, c.path, "/storage/v1/object/assets/models/glb/1_a.glb")
	assert.Equal(t, c.auth, "Bearer svc-key")
	assert.Equal(t, c.apikey, "svc-key")
	assert.Equal(t, c.upsert, "true")
	assert.Equal(t, c.contentType, "model/gltf-binary")
	assert.Equal(t, c.body, "glTF")
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Bucket not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	dir := fs.NewDir(t, "storage", fs.WithFile("a.usdz", "zip"))

	s := NewSupabase(srv.URL, "k", "missing", srv.Client())
	_, err := s.Upload(context.Background(), dir.Join("a.usdz"), "models/usdz/a.usdz")
	assert.ErrorIs(t, err, ErrUpload)
	assert.ErrorContains(t, err, "Bucket not found")
}

func TestUploadMissingFile(t *testing.T) {
	s := NewSupabase("http://unused", "k", "b", nil)
	_, err := s.Upload(context.Background(), "/does/not/exist.glb", "k")
	assert.ErrorContains(t, err, "no such file")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, contentType("x.usdz"), "model/vnd.usdz+zip")
	assert.Equal(t, contentType("x.png"), "image/png")
	assert.Equal(t, contentType("x.unknownext"), "application/octet-stream")
}
