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
	"path/filepath"
	"strconv"

	"github.com/google/subcommands"

	"github.com/baidu/easyloop/pkg/api"
	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/util/json"
)

type attachCmd struct {
	find      bool
	offset    sizeValue
	sizeLimit sizeValue
	blockSize uint
	readOnly  bool
	directIO  bool
	autoclear bool
	partscan  bool
	legacy    bool
	show      bool
}

func (*attachCmd) Name() string     { return "attach" }
func (*attachCmd) Synopsis() string { return "bind a file to a device" }
func (*attachCmd) Usage() string {
	return "attach [flags] <device> <file>\nattach -f [flags] <file>\n\n"
}

func (c *attachCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.find, "f", false, "use the first free device")
	f.Var(&c.offset, "o", "start offset in the file, a byte count with an optional unit")
	f.Var(&c.sizeLimit, "sizelimit", "device size limit, a byte count with an optional unit")
	f.UintVar(&c.blockSize, "b", 0, "logical block size")
	f.BoolVar(&c.readOnly, "r", false, "read-only device")
	f.BoolVar(&c.directIO, "direct-io", false, "open the file with O_DIRECT")
	f.BoolVar(&c.autoclear, "autoclear", false, "unbind when the last handle closes")
	f.BoolVar(&c.partscan, "P", false, "scan the partition table")
	f.BoolVar(&c.legacy, "legacy", false, "use set-fd followed by set-status")
	f.BoolVar(&c.show, "show", false, "print the device name")
}

func (c *attachCmd) flags() loop.Flags {
	var flags loop.Flags
	if c.readOnly {
		flags |= loop.FlagReadOnly
	}
	if c.directIO {
		flags |= loop.FlagDirectIO
	}
	if c.autoclear {
		flags |= loop.FlagAutoclear
	}
	if c.partscan {
		flags |= loop.FlagPartScan
	}
	return flags
}

func (c *attachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("attach", func() error {
		cl := newClient()
		var (
			index int
			file  string
			err   error
		)
		if c.find {
			if err := wantArgs(f.Args(), 1, 1); err != nil {
				return err
			}
			file = f.Arg(0)
			if index, err = cl.GetFree(); err != nil {
				return err
			}
		} else {
			if err := wantArgs(f.Args(), 2, 2); err != nil {
				return err
			}
			if index, err = parseIndex(f.Arg(0)); err != nil {
				return err
			}
			file = f.Arg(1)
		}
		if file, err = filepath.Abs(file); err != nil {
			return err
		}

		status := api.Status{
			Offset:    uint64(c.offset),
			SizeLimit: uint64(c.sizeLimit),
			Flags:     uint32(c.flags()),
			FileName:  file,
		}
		if c.legacy {
			if err := cl.SetFd(index, &api.SetFdRequest{Path: file, ReadOnly: c.readOnly}); err != nil {
				return err
			}
			status.Flags &^= uint32(loop.FlagReadOnly | loop.FlagDirectIO)
			if err := cl.SetStatus(index, "", &status); err != nil {
				cl.Clear(index)
				return err
			}
			if c.blockSize != 0 {
				if err := cl.SetBlockSize(index, uint32(c.blockSize)); err != nil {
					return err
				}
			}
		} else {
			err = cl.Configure(index, &api.ConfigureRequest{
				Path:      file,
				BlockSize: uint32(c.blockSize),
				Status:    status,
			})
			if err != nil {
				return err
			}
		}
		if c.show || c.find {
			fmt.Fprintf(stdout, "/dev/loop%d\n", index)
		}
		return nil
	})
}

// indexCmd is a command taking a device and nothing else.
type indexCmd struct {
	name, synopsis string
	do             func(index int) error
}

func (c *indexCmd) Name() string           { return c.name }
func (c *indexCmd) Synopsis() string       { return c.synopsis }
func (c *indexCmd) Usage() string          { return c.name + " <device>\n" }
func (c *indexCmd) SetFlags(*flag.FlagSet) {}

func (c *indexCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.name, func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		return c.do(index)
	})
}

func newDetachCmd() *indexCmd {
	return &indexCmd{
		name:     "detach",
		synopsis: "unbind a device, deferred while it is open elsewhere",
		do:       func(index int) error { return newClient().Clear(index) },
	}
}

func newCapacityCmd() *indexCmd {
	return &indexCmd{
		name:     "capacity",
		synopsis: "reread the size of the backing file",
		do:       func(index int) error { return newClient().SetCapacity(index) },
	}
}

type changeFdCmd struct{}

func (*changeFdCmd) Name() string           { return "change-fd" }
func (*changeFdCmd) Synopsis() string       { return "swap the file of a read-only device" }
func (*changeFdCmd) Usage() string          { return "change-fd <device> <file>\n" }
func (*changeFdCmd) SetFlags(*flag.FlagSet) {}

func (*changeFdCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("change-fd", func() error {
		if err := wantArgs(f.Args(), 2, 2); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		file, err := filepath.Abs(f.Arg(1))
		if err != nil {
			return err
		}
		return newClient().ChangeFd(index, &api.ChangeFdRequest{Path: file})
	})
}

type statusCmd struct {
	format string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "print the status of a bound device" }
func (*statusCmd) Usage() string    { return "status [-format info64|old|compat] <device>\n" }

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", string(api.StatusFormatInfo64), "status layout")
}

func (c *statusCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("status", func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		if !api.StatusFormat(c.format).Valid() {
			return usageError(fmt.Sprintf("bad format %q", c.format))
		}
		status, err := newClient().GetStatus(index, api.StatusFormat(c.format))
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(b))
		return nil
	})
}

type setStatusCmd struct {
	format    string
	offset    sizeValue
	sizeLimit sizeValue
	autoclear string
	partscan  string
}

func (*setStatusCmd) Name() string     { return "set-status" }
func (*setStatusCmd) Synopsis() string { return "change offset, size limit or flags of a bound device" }
func (*setStatusCmd) Usage() string {
	return "set-status [-o offset] [-sizelimit n] [-autoclear on|off] [-partscan on|off] <device>\n\n" +
		"Fields not named keep their current value.\n"
}

func (c *setStatusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", string(api.StatusFormatInfo64), "status layout")
	f.Var(&c.offset, "o", "start offset in the file, a byte count with an optional unit")
	f.Var(&c.sizeLimit, "sizelimit", "device size limit, a byte count with an optional unit")
	f.StringVar(&c.autoclear, "autoclear", "", "on or off")
	f.StringVar(&c.partscan, "partscan", "", "on or off")
}

func (c *setStatusCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("set-status", func() error {
		if err := wantArgs(f.Args(), 1, 1); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		format := api.StatusFormat(c.format)
		if !format.Valid() {
			return usageError(fmt.Sprintf("bad format %q", c.format))
		}
		cl := newClient()
		status, err := cl.GetStatus(index, format)
		if err != nil {
			return err
		}

		var flagErr error
		f.Visit(func(fl *flag.Flag) {
			switch fl.Name {
			case "o":
				status.Offset = uint64(c.offset)
			case "sizelimit":
				status.SizeLimit = uint64(c.sizeLimit)
			case "autoclear":
				flagErr = toggle(&status.Flags, loop.FlagAutoclear, c.autoclear, flagErr)
			case "partscan":
				flagErr = toggle(&status.Flags, loop.FlagPartScan, c.partscan, flagErr)
			}
		})
		if flagErr != nil {
			return flagErr
		}
		return cl.SetStatus(index, format, status)
	})
}

func toggle(flags *uint32, f loop.Flags, arg string, prev error) error {
	if prev != nil {
		return prev
	}
	on, err := parseBool(arg)
	if err != nil {
		return err
	}
	if on {
		*flags |= uint32(f)
	} else {
		*flags &^= uint32(f)
	}
	return nil
}

type directIOCmd struct{}

func (*directIOCmd) Name() string           { return "direct-io" }
func (*directIOCmd) Synopsis() string       { return "switch direct I/O of a device" }
func (*directIOCmd) Usage() string          { return "direct-io <device> on|off\n" }
func (*directIOCmd) SetFlags(*flag.FlagSet) {}

func (*directIOCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("direct-io", func() error {
		if err := wantArgs(f.Args(), 2, 2); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		on, err := parseBool(f.Arg(1))
		if err != nil {
			return err
		}
		return newClient().SetDirectIO(index, on)
	})
}

type blockSizeCmd struct{}

func (*blockSizeCmd) Name() string           { return "block-size" }
func (*blockSizeCmd) Synopsis() string       { return "set the logical block size of a device" }
func (*blockSizeCmd) Usage() string          { return "block-size <device> <512|1024|2048|4096>\n" }
func (*blockSizeCmd) SetFlags(*flag.FlagSet) {}

func (*blockSizeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("block-size", func() error {
		if err := wantArgs(f.Args(), 2, 2); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		size, err := strconv.ParseUint(f.Arg(1), 10, 32)
		if err != nil {
			return usageError(fmt.Sprintf("bad block size %q", f.Arg(1)))
		}
		return newClient().SetBlockSize(index, uint32(size))
	})
}

type attrCmd struct{}

func (*attrCmd) Name() string     { return "attr" }
func (*attrCmd) Synopsis() string { return "print a device attribute" }
func (*attrCmd) Usage() string {
	return "attr <device> <name>\n\nNames: " + fmt.Sprint(loop.AttributeNames()) + "\n"
}
func (*attrCmd) SetFlags(*flag.FlagSet) {}

func (*attrCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run("attr", func() error {
		if err := wantArgs(f.Args(), 2, 2); err != nil {
			return err
		}
		index, err := parseIndex(f.Arg(0))
		if err != nil {
			return err
		}
		value, err := newClient().Attribute(index, f.Arg(1))
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, value)
		return nil
	})
}
