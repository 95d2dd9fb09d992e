// Package nlog is casrv's leveled logger, a simplified port of aistore's
// cmn/nlog: Info/Warning/Error severities, an optional log-directory
// destination, and a Flush used on client teardown. The teacher's
// buffer-pool plumbing (fixed-size reusable byte buffers, rotation) is not
// reproduced; this trades a little throughput for a logger that is easy to
// read and to get right without being able to run it.
/*
 * Copyright (c) 2024, casrv authors.
 */
package nlog

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) String() string {
	switch s {
	case sevWarn:
		return "W"
	case sevErr:
		return "E"
	default:
		return "I"
	}
}

var (
	mu           sync.Mutex
	out          io.Writer = os.Stderr
	toStderr     bool
	alsoToStderr bool
	logDir       string
	role         string
	file         *os.File
)

// InitFlags registers the same two flags aistore's nlog registers, so a
// server-tool embedding casrv can wire them into its own flag.FlagSet.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDirRole sets the destination directory and a role tag (e.g. the
// server's node name) used in the log file name. Call before the first log
// line for it to take effect; reopens the log file.
func SetLogDirRole(dir, r string) {
	mu.Lock()
	defer mu.Unlock()
	logDir, role = dir, r
	if file != nil {
		file.Close()
		file = nil
	}
	if logDir == "" || toStderr {
		out = os.Stderr
		return
	}
	name := filepath.Join(logDir, fmt.Sprintf("%s.casrv.log", role))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		out = os.Stderr
		return
	}
	file = f
	out = f
}

func log(sev severity, depth int, format string, args ...any) {
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...) + "\n"
	}
	_, file, line := callsite(depth + 1)
	line64 := fmt.Sprintf("%s %s %s:%d] %s", time.Now().Format("0102 15:04:05.000000"), sev, file, line, msg)

	mu.Lock()
	w := out
	mu.Unlock()

	_, _ = io.WriteString(w, line64)
	if alsoToStderr && w != io.Writer(os.Stderr) {
		_, _ = io.WriteString(os.Stderr, line64)
	}
}

func callsite(depth int) (ok bool, file string, line int) {
	_, f, l, caught := runtime.Caller(depth + 1)
	if !caught {
		return false, "???", 0
	}
	return true, filepath.Base(f), l
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }

// Flush syncs the underlying log file, if any. It is best-effort and safe
// to call from a client's teardown path.
func Flush() {
	mu.Lock()
	f := file
	mu.Unlock()
	if f != nil {
		_ = f.Sync()
	}
}
