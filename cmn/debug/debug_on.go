//go:build debug

package debug

import (
	"fmt"
	"sync"
)

func ON() bool { return true }

func Infof(format string, a ...any) { fmt.Printf("[DEBUG] "+format+"\n", a...) }

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(a...)))
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, a...))
	}
}

func AssertFunc(f func() bool, a ...any) {
	Assert(f(), a...)
}

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %v", err))
	}
}

// AssertMutexLocked is best-effort: sync.Mutex exposes no public
// "is locked" query, so this only documents intent at call sites.
func AssertMutexLocked(_ *sync.Mutex) {}

func AssertRWMutexLocked(_ *sync.RWMutex) {}
