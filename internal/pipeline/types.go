package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/keygen"
)

// OriginalLabel is the result slot of the uploaded image itself.
const OriginalLabel = "original"

// Outcome classifies how one execution ended. The numeric values are part of
// the public response and must not change.
type Outcome int

const (
	Success                  Outcome = 1
	GeneralFailure           Outcome = 2
	MissingFilename          Outcome = 3
	TempDirReadonly          Outcome = 4
	UnsupportedFileType      Outcome = 5
	CannotAccessTempFile     Outcome = 6
	DecodeFailure            Outcome = 7
	CannotCreateRemoteClient Outcome = 8
	UnableToGenerateAltSizes Outcome = 9
	UnableToUploadToCdn      Outcome = 10
)

var outcomeMessages = map[Outcome]string{
	Success:                  "Upload Complete",
	GeneralFailure:           "Service Temporarily Unavailable (Code: 2)",
	MissingFilename:          "Your browser may not fully support HTML5, the image's filename was missing.",
	TempDirReadonly:          "Server is Unable to Process Your Upload (Code: 4)",
	UnsupportedFileType:      "Uploaded File Type Not Supported (sorry)",
	CannotAccessTempFile:     "Error Preparing for Image Processing (Code: 6)",
	DecodeFailure:            "Error Processing Image (Code: 7)",
	CannotCreateRemoteClient: "CDN Client Cannot be Created (Code: 8)",
	UnableToGenerateAltSizes: "Unable to Generate Alternate Sizes (Code: 9)",
	UnableToUploadToCdn:      "Unable to upload hosted images to CDN, that's not good.",
}

var outcomeNames = map[Outcome]string{
	Success:                  "success",
	GeneralFailure:           "general_failure",
	MissingFilename:          "missing_filename",
	TempDirReadonly:          "temp_dir_readonly",
	UnsupportedFileType:      "unsupported_file_type",
	CannotAccessTempFile:     "cannot_access_temp_file",
	DecodeFailure:            "decode_failure",
	CannotCreateRemoteClient: "cannot_create_remote_client",
	UnableToGenerateAltSizes: "unable_to_generate_alt_sizes",
	UnableToUploadToCdn:      "unable_to_upload_to_cdn",
}

// Code returns the stable numeric code.
func (o Outcome) Code() int { return int(o) }

// Message returns the user-facing message. Unknown outcomes read as a general failure.
func (o Outcome) Message() string {
	if msg, ok := outcomeMessages[o]; ok {
		return msg
	}
	return outcomeMessages[GeneralFailure]
}

// String is the snake_case name used in logs and metric labels.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return outcomeNames[GeneralFailure]
}

// State is a step of the upload state machine.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateDecoded
	StateResized
	StateOriginalUploaded
	StateDerivativesUploaded
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateDecoded:
		return "decoded"
	case StateResized:
		return "resized"
	case StateOriginalUploaded:
		return "original_uploaded"
	case StateDerivativesUploaded:
		return "derivatives_uploaded"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ArtifactMetadata describes one artifact. Dimensions and size are only set
// together; URL stays empty until the upload is confirmed.
type ArtifactMetadata struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeInBytes int64  `json:"sizeInBytes"`
	URL         string `json:"url,omitempty"`
}

func (m *ArtifactMetadata) fill(width, height int, size int64) {
	m.Width = width
	m.Height = height
	m.SizeInBytes = size
}

// Result is the outcome of one execution plus every artifact slot.
type Result struct {
	Outcome          Outcome
	OriginalFileName string
	Key              keygen.UploadKey
	// Stage is the last state reached before the execution ended.
	Stage     State
	Artifacts map[string]ArtifactMetadata

	labels []string
}

// NewResult returns a general-failure result with an empty slot for the
// original and every variant label.
func NewResult(variantLabels []string) Result {
	labels := make([]string, 0, len(variantLabels)+1)
	labels = append(labels, OriginalLabel)
	labels = append(labels, variantLabels...)
	artifacts := make(map[string]ArtifactMetadata, len(labels))
	for _, label := range labels {
		artifacts[label] = ArtifactMetadata{}
	}
	return Result{
		Outcome:   GeneralFailure,
		Stage:     StateReceived,
		Artifacts: artifacts,
		labels:    labels,
	}
}

// Success reports whether the execution completed.
func (r Result) Success() bool { return r.Outcome == Success }

// Original returns the metadata of the uploaded image.
func (r Result) Original() ArtifactMetadata { return r.Artifacts[OriginalLabel] }

// Labels returns the artifact labels in response order, original first.
func (r Result) Labels() []string {
	out := make([]string, len(r.labels))
	copy(out, r.labels)
	return out
}

// Clone returns a copy that shares no mutable state with r.
func (r Result) Clone() Result {
	out := r
	out.Artifacts = make(map[string]ArtifactMetadata, len(r.Artifacts))
	for k, v := range r.Artifacts {
		out.Artifacts[k] = v
	}
	out.labels = r.Labels()
	return out
}

func (r *Result) update(label string, fn func(*ArtifactMetadata)) {
	m := r.Artifacts[label]
	fn(&m)
	r.Artifacts[label] = m
}

type resultHeader struct {
	Success          bool   `json:"success"`
	Code             int    `json:"code"`
	Message          string `json:"message"`
	OriginalFileName string `json:"originalFileName,omitempty"`
	UniqueFileKey    string `json:"uniqueFileKey,omitempty"`
	UniqueFileName   string `json:"uniqueFileName,omitempty"`
}

// MarshalJSON renders the upload response: status fields followed by one
// object per artifact label, in table order.
func (r Result) MarshalJSON() ([]byte, error) {
	header := resultHeader{
		Success:          r.Success(),
		Code:             r.Outcome.Code(),
		Message:          r.Outcome.Message(),
		OriginalFileName: r.OriginalFileName,
	}
	if r.Key.ID != "" {
		header.UniqueFileKey = r.Key.ID
		header.UniqueFileName = r.Key.FileName()
	}
	head, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	labels := r.labels
	if len(labels) == 0 {
		labels = []string{OriginalLabel}
	}
	var buf bytes.Buffer
	buf.Write(head[:len(head)-1])
	for _, label := range labels {
		meta, err := json.Marshal(r.Artifacts[label])
		if err != nil {
			return nil, err
		}
		key, _ := json.Marshal(label)
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(meta)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Request is one inbound upload.
type Request struct {
	// FileName is the client-supplied name; only its extension is used.
	FileName string
	// FileType is the claimed content type, empty when unknown.
	FileType string
	// FileSize is the claimed decoded size, 0 when unknown.
	FileSize int64
	Body     io.Reader
	// Encoding is the transfer encoding of Body; empty uses the configured default.
	Encoding decode.Encoding
	// Source identifies the client (IP address) for notifications.
	Source string
}

// Notifier is told about every completed upload. Implementations must not block.
type Notifier interface {
	Notify(source string, result Result)
}

// Observer records one event per execution.
type Observer interface {
	RecordOutcome(outcome string, duration time.Duration)
}
