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

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/baidu/easyloop/pkg/loopd/client"
	"github.com/baidu/easyloop/pkg/util/bytefmt"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin

	newClient = func() client.Interface { return client.NewClient(clientOptions) }
)

// usageError is reported with exit status 2.
type usageError string

func (e usageError) Error() string { return string(e) }

// run maps the result of fn onto an exit status.
func run(name string, fn func() error) subcommands.ExitStatus {
	err := fn()
	if err == nil {
		return subcommands.ExitSuccess
	}
	if _, ok := err.(usageError); ok {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return subcommands.ExitUsageError
	}
	if errno := client.Errno(err); errno != 0 {
		fmt.Fprintf(stderr, "%s: %v (%s)\n", name, errno, describe(err))
	} else {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
	}
	return subcommands.ExitFailure
}

func describe(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, `"Message":"`); i >= 0 {
		msg = msg[i+len(`"Message":"`):]
		if j := strings.IndexByte(msg, '"'); j >= 0 {
			return msg[:j]
		}
	}
	return msg
}

// parseIndex accepts "3", "loop3" and "/dev/loop3".
func parseIndex(arg string) (int, error) {
	s := strings.TrimPrefix(arg, "/dev/")
	s = strings.TrimPrefix(s, "loop")
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, usageError(fmt.Sprintf("bad device %q", arg))
	}
	return i, nil
}

func wantArgs(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return usageError(fmt.Sprintf("expected %d arguments, got %d", min, len(args)))
		}
		return usageError(fmt.Sprintf("expected %d to %d arguments, got %d", min, max, len(args)))
	}
	return nil
}

func parseBool(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "1", "on", "true", "yes":
		return true, nil
	case "0", "off", "false", "no":
		return false, nil
	}
	return false, usageError(fmt.Sprintf("bad switch %q, want on or off", arg))
}

// sizeValue is a byte count flag that takes units, "8s" or "1M".
type sizeValue uint64

func (v *sizeValue) String() string { return strconv.FormatUint(uint64(*v), 10) }

func (v *sizeValue) Set(s string) error {
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return err
	}
	*v = sizeValue(n)
	return nil
}
