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

package model

// ResultStatus is the status field of every structured outcome returned to callers.
type ResultStatus string

const (
	StatusSuccess   ResultStatus = "success"
	StatusFailed    ResultStatus = "failed"
	StatusCancelled ResultStatus = "cancelled"
	StatusTimedOut  ResultStatus = "timed_out"
	StatusError     ResultStatus = "error"
)

// State maps a result status onto the terminal task state it produces.
func (s ResultStatus) State() TaskState {
	switch s {
	case StatusSuccess:
		return TaskSucceeded
	case StatusFailed:
		return TaskFailed
	case StatusCancelled:
		return TaskCancelled
	case StatusTimedOut:
		return TaskTimedOut
	}
	return TaskErrored
}

// FileURLs groups uploaded artifact URLs. GLB, USDZ and Thumbnail are always
// present in the JSON body, empty when nothing was produced.
type FileURLs struct {
	GLB       []string            `json:"glb"`
	USDZ      []string            `json:"usdz"`
	Formats   map[string][]string `json:"formats"`
	Thumbnail *string             `json:"thumbnail"`
}

func NewFileURLs() FileURLs {
	return FileURLs{
		GLB:     []string{},
		USDZ:    []string{},
		Formats: map[string][]string{},
	}
}

// Add appends url under the bucket for format.
func (f *FileURLs) Add(format, url string) {
	switch format {
	case "glb":
		f.GLB = append(f.GLB, url)
	case "usdz":
		f.USDZ = append(f.USDZ, url)
	default:
		if f.Formats == nil {
			f.Formats = map[string][]string{}
		}
		f.Formats[format] = append(f.Formats[format], url)
	}
}

type TaskResult struct {
	TaskID   string       `json:"task_id,omitempty"`
	Status   ResultStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Details  string       `json:"details,omitempty"`
	FileURLs *FileURLs    `json:"file_urls,omitempty"`
}
