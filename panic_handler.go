// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
)

var crash = struct {
	sync.Mutex
	hooks []func()
	out   io.Writer
}{out: os.Stderr}

// onPanic registers f to be run by panicHandler before the stack trace is
// printed.
// Hooks run in the reverse order they were registered.
func onPanic(f func()) {
	crash.Lock()
	defer crash.Unlock()
	crash.hooks = append(crash.hooks, f)
}

// panicHandler should be deferred as the first thing in all goroutines started
// anywhere in the system.
// It closes the live channels and shuts down the UI before printing the stack
// trace so that the trace is not drawn over by the terminal UI.
func panicHandler() {
	r := recover()
	if r == nil {
		return
	}
	crash.Lock()
	hooks := crash.hooks
	crash.hooks = nil
	crash.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	fmt.Fprintf(crash.out, "%s\n", debug.Stack())
	fmt.Fprintln(crash.out, "----")
	panic(r)
}
