// Package cos provides common low-level types and utilities shared by the
// casrv packages: short error types and best-effort multi-error
// aggregation.
/*
 * Copyright (c) 2024, casrv authors.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oksanagit/casrv/cmn/atomic"
	"github.com/oksanagit/casrv/cmn/debug"
)

type (
	// ErrNotFound is returned when a named resource (PV, channel,
	// monitor) cannot be located.
	ErrNotFound struct {
		what string
	}

	// Errs aggregates up to maxErrs distinct errors, for paths that must
	// keep going after a failure and report everything at the end.
	Errs struct {
		errs []error
		cnt  atomic.Int64
		mu   sync.Mutex
	}
)

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		e.cnt.Store(int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(e.cnt.Load()) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() string {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	first := e.errs[0]
	e.mu.Unlock()
	if cnt > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", first, cnt-1, plural(cnt-1))
	}
	return first.Error()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
