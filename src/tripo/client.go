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

// Package tripo is a small client for the Tripo3D OpenAPI covering image
// upload, generation, conversion, status and result download.
package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"meshworker/src/model"
)

const DefaultBaseURL = "https://api.tripo3d.ai/v2/openapi"

var ErrAPI = errors.New("tripo api error")

// Output keys in a finished task. PBR is the primary textured model.
var outputKeys = []string{"model", "base_model", model.PBRModelKey, "rendered_image"}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns a client whose transport is traced with otelhttp. A nil
// httpClient gets one with a 60s timeout.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fileRef struct {
	Type      string `json:"type"`
	FileToken string `json:"file_token"`
}

type taskRequest struct {
	Type                string    `json:"type"`
	File                *fileRef  `json:"file,omitempty"`
	Files               []fileRef `json:"files,omitempty"`
	Format              string    `json:"format,omitempty"`
	OriginalModelTaskID string    `json:"original_model_task_id,omitempty"`
}

type taskData struct {
	TaskID   string            `json:"task_id"`
	Type     string            `json:"type"`
	Status   string            `json:"status"`
	Progress int               `json:"progress"`
	Output   map[string]string `json:"output"`
}

func (c *Client) SubmitSingle(ctx context.Context, imagePath string) (string, error) {
	ref, err := c.uploadImage(ctx, imagePath)
	if err != nil {
		return "", err
	}
	return c.createTask(ctx, taskRequest{Type: "image_to_model", File: &ref})
}

// SubmitMultiView uploads every view in order and starts one multiview job.
func (c *Client) SubmitMultiView(ctx context.Context, imagePaths []string) (string, error) {
	refs := make([]fileRef, 0, len(imagePaths))
	for _, p := range imagePaths {
		ref, err := c.uploadImage(ctx, p)
		if err != nil {
			return "", err
		}
		refs = append(refs, ref)
	}
	return c.createTask(ctx, taskRequest{Type: "multiview_to_model", Files: refs})
}

func (c *Client) RequestConversion(ctx context.Context, jobID, format string) (string, error) {
	return c.createTask(ctx, taskRequest{
		Type:                "convert_model",
		Format:              strings.ToUpper(format),
		OriginalModelTaskID: jobID,
	})
}

func (c *Client) GetStatus(ctx context.Context, jobID string) (model.JobInfo, error) {
	data, raw, err := c.getTask(ctx, jobID)
	if err != nil {
		return model.JobInfo{}, err
	}
	info := model.JobInfo{ID: jobID, Status: mapStatus(data.Status), Progress: data.Progress}
	if info.Status == model.JobFailed || info.Status == model.JobCancelled {
		info.Details = string(raw)
	}
	return info, nil
}

// DownloadResults saves every output of a finished job as
// destDir/<jobID>_<key><ext>.
func (c *Client) DownloadResults(ctx context.Context, jobID, destDir string) (map[string]string, error) {
	data, _, err := c.getTask(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	files := map[string]string{}
	for _, key := range outputKeys {
		src := data.Output[key]
		if src == "" {
			continue
		}
		dest := filepath.Join(destDir, fmt.Sprintf("%s_%s%s", jobID, key, extension(src)))
		if err := c.download(ctx, src, dest); err != nil {
			return nil, fmt.Errorf("download %s of %s: %w", key, jobID, err)
		}
		files[key] = dest
	}
	return files, nil
}

func mapStatus(s string) model.JobStatus {
	switch strings.ToLower(s) {
	case "queued":
		return model.JobQueued
	case "success":
		return model.JobSuccess
	case "failed", "banned", "expired":
		return model.JobFailed
	case "cancelled":
		return model.JobCancelled
	default:
		return model.JobRunning
	}
}

func (c *Client) uploadImage(ctx context.Context, imagePath string) (fileRef, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return fileRef{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return fileRef{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fileRef{}, err
	}
	if err := mw.Close(); err != nil {
		return fileRef{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return fileRef{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var data struct {
		ImageToken string `json:"image_token"`
	}
	if _, err := c.do(req, &data); err != nil {
		return fileRef{}, fmt.Errorf("upload %s: %w", filepath.Base(imagePath), err)
	}
	return fileRef{Type: imageType(imagePath), FileToken: data.ImageToken}, nil
}

func (c *Client) createTask(ctx context.Context, tr taskRequest) (string, error) {
	payload, err := json.Marshal(tr)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var data taskData
	if _, err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("create %s task: %w", tr.Type, err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("create %s task: %w: empty task id", tr.Type, ErrAPI)
	}
	return data.TaskID, nil
}

func (c *Client) getTask(ctx context.Context, jobID string) (taskData, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+url.PathEscape(jobID), nil)
	if err != nil {
		return taskData{}, nil, err
	}
	var data taskData
	raw, err := c.do(req, &data)
	if err != nil {
		return taskData{}, nil, fmt.Errorf("get task %s: %w", jobID, err)
	}
	return data, raw, nil
}

// do sends an authenticated request and decodes the data field of the
// response envelope into out.
func (c *Client) do(req *http.Request, out any) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: http %d: undecodable body: %v", ErrAPI, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || env.Code != 0 {
		return nil, fmt.Errorf("%w: http %d code %d: %s", ErrAPI, resp.StatusCode, env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, err
		}
	}
	return env.Data, nil
}

// download writes to a .part file and renames it once complete.
func (c *Client) download(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d fetching result", ErrAPI, resp.StatusCode)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func imageType(p string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(p)), ".")
	switch ext {
	case "jpeg", "":
		return "jpg"
	}
	return ext
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".bin"
}
