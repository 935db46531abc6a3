package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
)

// ParserRequest is the stdin payload for cmd/parserbridge.
type ParserRequest struct {
	HTMLContent string `json:"html_content"`
	URL         string `json:"url"`
	JobID       string `json:"job_id"`
}

// ParserMetadata is the structured document metadata the subprocess
// extracts from HTML.
type ParserMetadata struct {
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Author        string     `json:"author"`
	Publisher     string     `json:"publisher"`
	ImageURL      string     `json:"image_url"`
	Favicon       string     `json:"favicon"`
	DatePublished *time.Time `json:"date_published,omitempty"`
	DateModified  *time.Time `json:"date_modified,omitempty"`
}

// ReadableContent is the optional extracted-article body.
type ReadableContent struct {
	Content string `json:"content"`
}

// ParserResponse is the stdout payload on success.
type ParserResponse struct {
	Metadata        ParserMetadata   `json:"metadata"`
	ReadableContent *ReadableContent `json:"readable_content"`
}

type parserErrorResponse struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// ParserFailureKind classifies why the parser subprocess failed.
type ParserFailureKind string

const (
	ParserFailureOOM            ParserFailureKind = "oom"
	ParserFailureGeneric        ParserFailureKind = "generic"
	ParserFailureSchemaInvalid  ParserFailureKind = "schema_invalid"
)

// ParserError wraps a classified parser subprocess failure; all kinds are
// retryable unless the job's retries are exhausted.
type ParserError struct {
	Kind    ParserFailureKind
	Message string
}

func (e *ParserError) Error() string { return fmt.Sprintf("parser subprocess (%s): %s", e.Kind, e.Message) }

// ParserBridge spawns cmd/parserbridge per call with a bounded time
// budget, so a pathological document can never take down the worker. The
// heap cap is enforced by the child process itself (runtime/debug.SetMemoryLimit);
// this client only supplies the budget via CLI flag and classifies how
// the child died.
type ParserBridge struct {
	binaryPath   string
	memLimitMB   int
	parseTimeout time.Duration
	logger       arbor.ILogger
}

func NewParserBridge(binaryPath string, memLimitMB int, parseTimeout time.Duration, logger arbor.ILogger) *ParserBridge {
	return &ParserBridge{binaryPath: binaryPath, memLimitMB: memLimitMB, parseTimeout: parseTimeout, logger: logger}
}

// Extract runs the subprocess once, writing req as JSON on stdin and
// reading the JSON response from stdout; stderr is inherited for logs
// per the contract.
func (p *ParserBridge) Extract(ctx context.Context, req ParserRequest) (*ParserResponse, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.parseTimeout)
	defer cancel()

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal parser request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, p.binaryPath, "-mem-limit-mb", fmt.Sprintf("%d", p.memLimitMB))
	cmd.Stdin = bytes.NewReader(reqBody)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr // inherited for logs

	runErr := cmd.Run()
	if runErr != nil {
		return nil, p.classifyFailure(runErr)
	}

	var resp ParserResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		var errResp parserErrorResponse
		if jerr := json.Unmarshal(stdout.Bytes(), &errResp); jerr == nil && errResp.Error != "" {
			return nil, &ParserError{Kind: ParserFailureGeneric, Message: errResp.Error}
		}
		return nil, &ParserError{Kind: ParserFailureSchemaInvalid, Message: err.Error()}
	}
	return &resp, nil
}

// classifyFailure maps exit 137 / SIGKILL / SIGABRT to OOM; any other
// non-zero exit is a generic parser failure.
func (p *ParserBridge) classifyFailure(err error) error {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return &ParserError{Kind: ParserFailureGeneric, Message: err.Error()}
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Exited() && status.ExitStatus() == 137 {
			return &ParserError{Kind: ParserFailureOOM, Message: "exit code 137"}
		}
		if status.Signaled() {
			sig := status.Signal()
			if sig == syscall.SIGKILL || sig == syscall.SIGABRT {
				return &ParserError{Kind: ParserFailureOOM, Message: "signal " + sig.String()}
			}
			return &ParserError{Kind: ParserFailureGeneric, Message: "signal " + sig.String()}
		}
	}
	return &ParserError{Kind: ParserFailureGeneric, Message: err.Error()}
}
