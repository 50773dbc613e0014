package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jobcacher/azstash/transfer"
)

const (
	transfersPath = "/v1/transfers"
	filesPath     = "/v1/files"
	healthPath    = "/healthz"
	metricsPath   = "/metrics"
)

var (
	// ErrForbiddenPath is returned when a path lies outside the agent's root directory.
	ErrForbiddenPath = errors.New("path outside agent root")

	// ErrFileAccess is returned when the worker could not read or write the local file.
	ErrFileAccess = errors.New("worker file access failed")

	// ErrUnauthorized is returned when the agent refuses the shared token.
	ErrUnauthorized = errors.New("unauthorized")
)

// error codes carried in ErrorResp.Code
const (
	CodeInvalidUnit   = "invalid_unit"
	CodeTimeout       = "timeout"
	CodeRejected      = "rejected"
	CodeIO            = "io"
	CodeForbiddenPath = "forbidden_path"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
)

type TransferReq struct {
	Unit transfer.Unit `json:"unit"`
	Path string        `json:"path"`
}

type TransferResp struct {
	Info *transfer.Info `json:"info"`
}

type FileReq struct {
	Path string `url:"path"`
}

type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorResp) Error() string {
	return e.Message
}

// sentinels in the order they are matched, so a timeout wrapped in a file error is still a timeout
var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidUnit, transfer.ErrInvalidUnit},
	{CodeTimeout, transfer.ErrTimeout},
	{CodeRejected, transfer.ErrRejected},
	{CodeForbiddenPath, ErrForbiddenPath},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeIO, ErrFileAccess},
	{CodeIO, fs.ErrNotExist},
	{CodeIO, fs.ErrPermission},
	{CodeIO, fs.ErrExist},
}

// encodeError maps an executor error onto its wire form.
func encodeError(err error) ErrorResp {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return ErrorResp{Code: c.code, Message: err.Error()}
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ErrorResp{Code: CodeIO, Message: err.Error()}
	}

	return ErrorResp{Code: CodeInternal, Message: err.Error()}
}

// decodeError rebuilds an error from its wire form, keeping its sentinel identity.
func decodeError(e ErrorResp) error {
	for _, c := range codes {
		if c.code == e.Code {
			if c.code == CodeIO {
				return fmt.Errorf("%w: %s", ErrFileAccess, e.Message)
			}
			// the message usually starts with the sentinel's own text
			msg := strings.TrimPrefix(strings.TrimPrefix(e.Message, c.err.Error()), ": ")
			if msg == "" {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}

	return fmt.Errorf("worker error (%s): %s", e.Code, e.Message)
}
