// Package mono provides the nanosecond timestamps used to stamp request
// receive-time.
/*
 * Copyright (c) 2024, casrv authors.
 */
package mono

import "time"

// NanoTime returns the current wall-clock time in Unix nanoseconds
// (time.Now().UnixNano()). UnixNano does not use the monotonic reading
// time.Now carries, so values follow the system clock, including any step
// applied to it. casrv does not link into runtime internals the way aistore's cmn/mono does,
// since doing so without the exact source would be brittle across Go
// versions.
func NanoTime() int64 { return time.Now().UnixNano() }

// Since returns the elapsed nanoseconds since a prior NanoTime() reading.
func Since(t int64) int64 { return NanoTime() - t }
