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
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/google/subcommands"

	"github.com/baidu/easyloop/pkg/api"
)

// chunkSize is the largest data request loopctl sends.
const chunkSize = 1 << 20

type readCmd struct {
	offset int64
	length int64
}

func (*readCmd) Name() string     { return "read" }
func (*readCmd) Synopsis() string { return "copy device bytes to stdout" }
func (*readCmd) Usage() string    { return "read [-o offset] [-l length] <device>\n" }

func (c *readCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.offset, "o", 0, "device offset, in bytes")
	f.Int64Var(&c.length, "l", 512, "bytes to read")
}

func (c *readCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("read", func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		if c.offset < 0 || c.length < 0 {
			return usageError("offset and length must not be negative")
		}
		cl := newClient()
		for off, left := c.offset, c.length; left > 0; {
			n := left
			if n > chunkSize {
				n = chunkSize
			}
			data, err := cl.Read(index, off, int(n))
			if err != nil {
				return err
			}
			if _, err := stdout.Write(data); err != nil {
				return err
			}
			if int64(len(data)) < n {
				// end of device
				return nil
			}
			off += n
			left -= n
		}
		return nil
	})
}

type writeCmd struct {
	offset int64
}

func (*writeCmd) Name() string     { return "write" }
func (*writeCmd) Synopsis() string { return "copy stdin or a file to the device" }
func (*writeCmd) Usage() string    { return "write [-o offset] <device> [file]\n" }

func (c *writeCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.offset, "o", 0, "device offset, in bytes")
}

func (c *writeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("write", func() error {
		if err := wantArgs(f.Args(), 1, 2); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		if c.offset < 0 {
			return usageError("offset must not be negative")
		}
		in := stdin
		if f.NArg() == 2 {
			file, err := os.Open(f.Arg(1))
			if err != nil {
				return err
			}
			defer file.Close()
			in = file
		}

		cl := newClient()
		total := 0
		off := c.offset
		for {
			data, err := ioutil.ReadAll(io.LimitReader(in, chunkSize))
			if err != nil {
				return err
			}
			if len(data) == 0 {
				break
			}
			n, err := cl.Write(index, off, data)
			total += n
			if err != nil {
				return err
			}
			off += int64(n)
		}
		fmt.Fprintf(stderr, "wrote %d bytes\n", total)
		return nil
	})
}

func newFlushCmd() *indexCmd {
	return &indexCmd{
		name:     "flush",
		synopsis: "wait for written data to reach the backing file",
		do:       func(index int) error { return newClient().Flush(index) },
	}
}

type discardCmd struct {
	offset  int64
	length  uint
	zeroes  bool
	noUnmap bool
}

func (*discardCmd) Name() string     { return "discard" }
func (*discardCmd) Synopsis() string { return "discard or zero a device range" }
func (*discardCmd) Usage() string {
	return "discard [-o offset] -l length [-zeroes [-no-unmap]] <device>\n"
}

func (c *discardCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.offset, "o", 0, "device offset, in bytes")
	f.UintVar(&c.length, "l", 0, "bytes to discard")
	f.BoolVar(&c.zeroes, "zeroes", false, "write zeroes instead of discarding")
	f.BoolVar(&c.noUnmap, "no-unmap", false, "with -zeroes, keep the range allocated")
}

func (c *discardCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("discard", func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		if c.length == 0 || c.length > 1<<32-1 {
			return usageError("length must be between 1 and 4294967295")
		}
		if c.noUnmap && !c.zeroes {
			return usageError("-no-unmap needs -zeroes")
		}
		in := &api.RangeRequest{Offset: c.offset, Length: uint32(c.length), NoUnmap: c.noUnmap}
		if c.zeroes {
			return newClient().WriteZeroes(index, in)
		}
		return newClient().Discard(index, in)
	})
}
