/*
 * Copyright (c) 2020 Baidu, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package runtime

import (
	"fmt"
	"runtime"

	"github.com/baidu/easyloop/pkg/util/logs"
)

var (
	// ReallyCrash controls the behavior of HandleCrash. It re-panics by default.
	ReallyCrash = true

	// PanicHandlers is a list of functions which will be invoked when a panic happens.
	PanicHandlers = []func(interface{}){logPanic}

	// ErrorHandlers is a list of functions which will be invoked when an unreturnable
	// error occurs.
	ErrorHandlers = []func(error){logError}
)

// HandleCrash simply catches a crash and logs an error. Meant to be called via
// defer. Additional context-specific handlers can be provided, and will be
// called in case of panic.
func HandleCrash(additionalHandlers ...func(interface{})) {
	if r := recover(); r != nil {
		for _, fn := range PanicHandlers {
			fn(r)
		}
		for _, fn := range additionalHandlers {
			fn(r)
		}
		if ReallyCrash {
			panic(r)
		}
	}
}

func logPanic(r interface{}) {
	const size = 64 << 10
	stacktrace := make([]byte, size)
	stacktrace = stacktrace[:runtime.Stack(stacktrace, false)]
	if _, ok := r.(string); ok {
		logs.Errorf("observed a panic: %s\n%s", r, stacktrace)
	} else {
		logs.Errorf("observed a panic: %#v (%v)\n%s", r, r, stacktrace)
	}
}

// HandleError is a method to invoke when a non-user facing piece of code cannot
// return an error and needs to indicate it has been ignored.
func HandleError(err error) {
	if err == nil {
		return
	}
	for _, fn := range ErrorHandlers {
		fn(err)
	}
}

func logError(err error) {
	logs.NewLogger().AddCallerSkip(2).Errorf("%s: %v", GetCaller(), err)
}

// GetCaller returns the caller of the function that calls it.
func GetCaller() string {
	var pc [1]uintptr
	runtime.Callers(3, pc[:])
	f := runtime.FuncForPC(pc[0])
	if f == nil {
		return "unable to retrieve caller"
	}
	return f.Name()
}

// RecoverFromPanic replaces the specified error with an error containing the
// original error, and the call tree when a panic occurs.
func RecoverFromPanic(err *error) {
	if r := recover(); r != nil {
		const size = 64 << 10
		stacktrace := make([]byte, size)
		stacktrace = stacktrace[:runtime.Stack(stacktrace, false)]

		*err = fmt.Errorf(
			"recovered from panic %q. (err=%v) Call stack:\n%s",
			r,
			*err,
			stacktrace)
	}
}
