// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error. The API layer maps kinds to transport
// codes; the core only reasons about kinds.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindImageNotReady  Kind = "image_not_ready"
	KindBadFormat      Kind = "bad_format"
	KindIOError        Kind = "io_error"
	KindISCSI          Kind = "iscsi_error"
	KindDHCPReload     Kind = "dhcp_reload_error"
	KindTimeout        Kind = "timeout"
	KindSystemNotReady Kind = "system_not_ready"
	KindTerminal       Kind = "terminal"
	KindInternal       Kind = "internal"
)

// Error is the domain error carried between components.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a domain error with the given kind and message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a domain error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ie *ISCSIError
	if errors.As(err, &ie) {
		return KindISCSI
	}
	return KindInternal
}

// IsKind reports whether err carries the given domain kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ISCSIError wraps a target-manager CLI failure and records which step of
// which operation failed.
type ISCSIError struct {
	Op   string // "create_target", "delete_target", ...
	Step string // "backstore", "target", "tpg", "lun", "acl", "save"
	Err  error
}

func (e *ISCSIError) Error() string {
	return fmt.Sprintf("iscsi %s failed at step %s: %v", e.Op, e.Step, e.Err)
}

func (e *ISCSIError) Unwrap() error { return e.Err }
