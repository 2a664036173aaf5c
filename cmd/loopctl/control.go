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
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/baidu/easyloop/pkg/util/bytefmt"
	"github.com/baidu/easyloop/pkg/util/json"
)

type addCmd struct{}

func (*addCmd) Name() string     { return "add" }
func (*addCmd) Synopsis() string { return "create a device" }
func (*addCmd) Usage() string {
	return "add [index]\n\nCreates device index, or the first free index when omitted.\n"
}
func (*addCmd) SetFlags(*flag.FlagSet) {}

func (*addCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("add", func() error {
		if err := wantArgs(f.Args(), 0, 1); err != nil {
			return err
		}
		index := -1
		if f.NArg() == 1 {
			var err error
			if index, err = parseIndex(f.Arg(0)); err != nil {
				return err
			}
		}
		got, err := newClient().Add(index)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "/dev/loop%d\n", got)
		return nil
	})
}

type removeCmd struct{}

func (*removeCmd) Name() string           { return "remove" }
func (*removeCmd) Synopsis() string       { return "delete an unbound device" }
func (*removeCmd) Usage() string          { return "remove <device>\n" }
func (*removeCmd) SetFlags(*flag.FlagSet) {}

func (*removeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("remove", func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		return newClient().Remove(index)
	})
}

type getFreeCmd struct{}

func (*getFreeCmd) Name() string           { return "get-free" }
func (*getFreeCmd) Synopsis() string       { return "print the first unbound device, creating one if needed" }
func (*getFreeCmd) Usage() string          { return "get-free\n" }
func (*getFreeCmd) SetFlags(*flag.FlagSet) {}

func (*getFreeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("get-free", func() error {
		if err := wantArgs(f.Args(), 0, 0); err != nil {
			return err
		}
		index, err := newClient().GetFree()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "/dev/loop%d\n", index)
		return nil
	})
}

type listCmd struct {
	json  bool
	all   bool
	bytes bool
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list devices" }
func (*listCmd) Usage() string {
	return "list [-a] [-b] [-json]\n\nLists bound devices, all of them with -a.\n"
}

func (c *listCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print json")
	f.BoolVar(&c.all, "a", false, "include unbound devices")
	f.BoolVar(&c.bytes, "b", false, "print sizes in bytes")
}

func (c *listCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("list", func() error {
		if err := wantArgs(f.Args(), 0, 0); err != nil {
			return err
		}
		devices, err := newClient().List()
		if err != nil {
			return err
		}
		if c.json {
			b, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, string(b))
			return nil
		}
		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tSIZE\tBLOCK\tDIO\tFLAGS\tBACK-FILE")
		for _, d := range devices {
			if !c.all && d.State == "unbound" {
				continue
			}
			dio := 0
			if d.DirectIO {
				dio = 1
			}
			size := strconv.FormatUint(d.Capacity*bytefmt.Sector, 10)
			if !c.bytes {
				size = bytefmt.ByteSize(d.Capacity * bytefmt.Sector)
			}
			fmt.Fprintf(w, "/dev/%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				d.Name, d.State, size, d.BlockSize, dio, d.Flags, d.BackingFile)
		}
		return w.Flush()
	})
}
