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
	"os"

	"github.com/google/subcommands"

	"github.com/baidu/easyloop/pkg/loopd/client"
)

var clientOptions = client.NewOptions()

func init() {
	flag.StringVar(&clientOptions.Sock, "sock", clientOptions.Sock, "The api socket of loopd")
	flag.DurationVar(&clientOptions.Timeout, "timeout", clientOptions.Timeout, "Timeout of one request")
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(&addCmd{}, "control")
	subcommands.Register(&removeCmd{}, "control")
	subcommands.Register(&getFreeCmd{}, "control")
	subcommands.Register(&listCmd{}, "control")

	subcommands.Register(&attachCmd{}, "device")
	subcommands.Register(newDetachCmd(), "device")
	subcommands.Register(&changeFdCmd{}, "device")
	subcommands.Register(&statusCmd{}, "device")
	subcommands.Register(&setStatusCmd{}, "device")
	subcommands.Register(newCapacityCmd(), "device")
	subcommands.Register(&directIOCmd{}, "device")
	subcommands.Register(&blockSizeCmd{}, "device")
	subcommands.Register(&attrCmd{}, "device")

	subcommands.Register(&readCmd{}, "data")
	subcommands.Register(&writeCmd{}, "data")
	subcommands.Register(newFlushCmd(), "data")
	subcommands.Register(&discardCmd{}, "data")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
