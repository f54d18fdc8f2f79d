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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"

	"meshworker/src/logging"
	"meshworker/src/model"
	"meshworker/src/processor"
)

// stubClient finishes every job on the first poll unless hold is set.
type stubClient struct {
	hold bool
}

func (c *stubClient) SubmitSingle(context.Context, string) (string, error) { return "job", nil }
func (c *stubClient) SubmitMultiView(context.Context, []string) (string, error) {
	return "job", nil
}
func (c *stubClient) RequestConversion(_ context.Context, _ string, format string) (string, error) {
	return "conv-" + format, nil
}

func (c *stubClient) GetStatus(_ context.Context, id string) (model.JobInfo, error) {
	if c.hold {
		return model.JobInfo{ID: id, Status: model.JobRunning}, nil
	}
	return model.JobInfo{ID: id, Status: model.JobSuccess}, nil
}

func (c *stubClient) DownloadResults(_ context.Context, id, dir string) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	key, name := "model", id+".usdz"
	if id == "job" {
		key, name = model.PBRModelKey, id+"_pbr.glb"
	}
	p := filepath.Join(dir, name)
	return map[string]string{key: p}, os.WriteFile(p, []byte("mesh"), 0o644)
}

type stubPublisher struct{}

func (stubPublisher) Upload(_ context.Context, _ string, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func newTestAPI(t *testing.T, client *stubClient) (*APIServer, *httptest.Server) {
	t.Helper()
	root := fs.NewDir(t, "api", fs.WithDir("output", fs.WithDir("glb", fs.WithFile("done.glb", "glTF"))))
	stats := logging.NewWorkerStats("worker-test")
	svc := processor.NewService(processor.Dependencies{
		Client:    client,
		Publisher: stubPublisher{},
		Stats:     stats,
	}, processor.ServiceConfig{
		UploadDir:          root.Join("uploads"),
		OutputDir:          root.Join("output"),
		DisconnectInterval: 5 * time.Millisecond,
		Poller: processor.PollerConfig{
			Interval:          time.Millisecond,
			MaxWait:           5 * time.Second,
			ConversionMaxWait: time.Second,
			BaseFormat:        "glb",
			DownloadDir:       root.Join("output", "tmp"),
		},
	})
	api := &APIServer{service: svc, stats: stats, outputDir: root.Join("output")}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Shutdown(context.Background())
	})
	return api, srv
}

func multipartBody(t *testing.T, formats string, files ...string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range files {
		part, err := mw.CreateFormFile("files", name)
		assert.NilError(t, err)
		_, _ = part.Write([]byte("png"))
	}
	if formats != "" {
		assert.NilError(t, mw.WriteField("formats", formats))
	}
	assert.NilError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestGenerateEndpoint(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{})
	body, ctype := multipartBody(t, "glb,usdz", "front.png")

	resp, err := http.Post(srv.URL+"/generate-3d-model", ctype, body)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")

	var result model.TaskResult
	decode(t, resp, &result)
	assert.Equal(t, result.Status, model.StatusSuccess)
	assert.Equal(t, result.Message, "Models generated & uploaded")
	assert.Equal(t, len(result.FileURLs.GLB), 1)
	assert.Equal(t, len(result.FileURLs.USDZ), 1)
	assert.Assert(t, result.FileURLs.Thumbnail != nil)
}

func TestGenerateEndpointWithoutFiles(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{})
	body, ctype := multipartBody(t, "glb")

	resp, err := http.Post(srv.URL+"/generate-3d-model", ctype, body)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	var e errorResponse
	decode(t, resp, &e)
	assert.Equal(t, e.Status, "error")
}

func TestSubmitPollAndCancel(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{hold: true})
	body, ctype := multipartBody(t, "", "a.png", "b.png")

	resp, err := http.Post(srv.URL+"/tasks", ctype, body)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusAccepted)
	var submitted taskStateResponse
	decode(t, resp, &submitted)
	assert.Equal(t, submitted.State, processor.StateProcessing)

	resp, err = http.Get(srv.URL + "/tasks/" + submitted.TaskID)
	assert.NilError(t, err)
	var state taskStateResponse
	decode(t, resp, &state)
	assert.Equal(t, state.State, processor.StateProcessing)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/"+submitted.TaskID, nil)
	resp, err = http.DefaultClient.Do(req)
	assert.NilError(t, err)
	var cancelled cancelResponse
	decode(t, resp, &cancelled)
	assert.Equal(t, cancelled.Status, processor.CancelAccepted)

	resp, err = http.Post(srv.URL+"/tasks/"+submitted.TaskID+"/cancel", "", nil)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	decode(t, resp, &cancelled)
	assert.Equal(t, cancelled.Status, processor.CancelAlreadyTerminal)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(srv.URL + "/tasks/" + submitted.TaskID)
		assert.NilError(t, err)
		decode(t, resp, &state)
		if state.State != processor.StateProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, state.State, processor.StateFailed)
	assert.Equal(t, state.Result.Status, model.StatusCancelled)
}

func TestUnknownTask(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{})

	resp, err := http.Get(srv.URL + "/tasks/nope")
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	assert.NilError(t, err)
	var cancelled cancelResponse
	decode(t, resp, &cancelled)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, cancelled.Status, processor.CancelNotFound)
}

func TestStatusAndStaticOutput(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{})

	resp, err := http.Get(srv.URL + "/status")
	assert.NilError(t, err)
	var st logging.StatusResponse
	decode(t, resp, &st)
	assert.Equal(t, st.ID, "worker-test")

	resp, err = http.Get(srv.URL + "/output/glb/done.glb")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	resp, err = http.Get(srv.URL + "/global-status")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
}

func TestPreflight(t *testing.T) {
	_, srv := newTestAPI(t, &stubClient{})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
}
