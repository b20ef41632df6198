// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/DataDog/gostackparse"
	"github.com/getsentry/sentry-go"
)

// goroutineThreads dumps every goroutine and returns them as sentry threads
// together with the raw dump. The reporting goroutine is marked current.
func goroutineThreads() ([]sentry.Thread, []byte) {
	dump := dumpGoroutines()

	goroutines, errs := gostackparse.Parse(bytes.NewReader(dump))
	if len(goroutines) == 0 && len(errs) > 0 {
		return nil, dump
	}

	threads := make([]sentry.Thread, 0, len(goroutines))
	for i, g := range goroutines {
		frames := make([]sentry.Frame, 0, len(g.Stack))
		// sentry expects the innermost frame last
		for j := len(g.Stack) - 1; j >= 0; j-- {
			f := g.Stack[j]
			frames = append(frames, sentry.Frame{
				Function: f.Func,
				Filename: filepath.Base(f.File),
				AbsPath:  f.File,
				Lineno:   f.Line,
			})
		}

		threads = append(threads, sentry.Thread{
			ID:         strconv.Itoa(g.ID),
			Name:       "goroutine " + strconv.Itoa(g.ID) + " [" + g.State + "]",
			Stacktrace: &sentry.Stacktrace{Frames: frames},
			Current:    i == 0,
		})
	}

	return threads, dump
}

func dumpGoroutines() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
