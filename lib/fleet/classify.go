// Copyright 2026 The Vantage Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/vantage-displays/vantage/lib/sharefs"
)

// Reason buckets an endpoint operation outcome into a small stable
// vocabulary that summaries and log lines aggregate over.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonUnreachable Reason = "unreachable"
	ReasonTimeout     Reason = "timeout"
	ReasonPermission  Reason = "permission"
	ReasonParse       Reason = "parse-error"
	ReasonOther       Reason = "other"
)

// ErrUnreachable marks failures where the endpoint did not answer the
// connectivity probe. Operations wrap probe errors with it so that
// aggregation counts the endpoint as skipped rather than failed.
var ErrUnreachable = errors.New("endpoint unreachable")

// Classify maps an operation error onto a Reason. Typed errors decide
// first; string heuristics only catch errors that arrive from shelled
// commands or remote filesystems without useful types.
func Classify(err error) Reason {
	if err == nil {
		return ReasonOK
	}
	switch {
	case errors.Is(err, ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermission
	case errors.Is(err, sharefs.ErrCorrupt):
		return ReasonParse
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ReasonParse
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "permission denied"), strings.Contains(text, "access is denied"):
		return ReasonPermission
	case strings.Contains(text, "timeout"), strings.Contains(text, "timed out"):
		return ReasonTimeout
	}
	return ReasonOther
}
