package main

import (
	"context"
	"strings"

	"costops/pkg/errors"
)

// Exit codes follow sysexits(3) where one applies
const (
	exitOK          = 0
	exitUsage       = 64 // EX_USAGE: invalid configuration or arguments
	exitUnavailable = 69 // EX_UNAVAILABLE: dependency down at startup
	exitSoftware    = 70 // EX_SOFTWARE: internal error
	exitInterrupted = 130
)

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return exitOK
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return exitInterrupted
	}

	switch errors.KindOf(err) {
	case errors.KindConfigInvalid, errors.KindValidationFailed:
		return exitUsage
	case errors.KindDependencyMissing:
		return exitUnavailable
	}

	// cobra reports flag and argument problems as plain errors
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument"} {
		if strings.HasPrefix(msg, prefix) {
			return exitUsage
		}
	}
	return exitSoftware
}
