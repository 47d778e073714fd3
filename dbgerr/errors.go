// This file is part of uscope.
//
// uscope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// uscope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with uscope.  If not, see <https://www.gnu.org/licenses/>.

// Package dbgerr is a helper package for curated errors. Each curated error
// is a (Errno, formatted message) pair belonging to one of the categories of
// the control thread's error taxonomy: parse errors, OS errors, invariant
// violations, not-applicable-state errors, and cancellation.
//
// AsCategory reports which of these categories an error belongs to. The
// engine's request handlers do not dispatch on it: a failed symbol load
// keeps the previous target, not-applicable states are reported as
// warning-level messages, and every other handler error is reported as an
// error-level message response. An OS error does not by itself tear the
// subordinate down; that happens only when a wait reports that the child
// exited or was killed.
package dbgerr

import (
	"errors"
	"fmt"
)

// Category groups Errno values so the control thread can decide policy
// without switching on every individual Errno.
type Category int

const (
	CategoryParse Category = iota
	CategoryOS
	CategoryInvariant
	CategoryNotApplicable
	CategoryCancelled
)

func (c Category) String() string {
	switch c {
	case CategoryParse:
		return "parse"
	case CategoryOS:
		return "os"
	case CategoryInvariant:
		return "invariant"
	case CategoryNotApplicable:
		return "not-applicable"
	case CategoryCancelled:
		return "cancelled"
	}
	return "unknown"
}

// curated is the concrete type behind every error this package creates. It
// is never exposed directly; callers interact with it only through the
// error interface and the Is/Category helpers.
type curated struct {
	errno  Errno
	values []interface{}
}

// E creates a new curated error for errno, with values interpolated into its
// format string (see messages.go).
func E(errno Errno, values ...interface{}) error {
	return curated{errno: errno, values: values}
}

// Error implements the error interface.
func (e curated) Error() string {
	return fmt.Sprintf(messages[e.errno], e.values...)
}

// Is reports whether err is, or wraps (through fmt.Errorf's %w), a curated
// error for errno.
func Is(err error, errno Errno) bool {
	var c curated
	return errors.As(err, &c) && c.errno == errno
}

// AsCategory returns the category of err, or false if err neither is nor
// wraps one of ours.
func AsCategory(err error) (Category, bool) {
	var c curated
	if !errors.As(err, &c) {
		return 0, false
	}
	return categories[c.errno], true
}
