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

package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/baidu/easyloop/pkg/server"
)

// ServerRunOptions contains the options while running a generic api server.
type ServerRunOptions struct {
	MaxRequestsInFlight int
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
}

// NewServerRunOptions create a default options for a generic api server.
func NewServerRunOptions() *ServerRunOptions {
	defaults := server.NewConfig()

	return &ServerRunOptions{
		MaxRequestsInFlight: defaults.MaxRequestsInFlight,
		RequestTimeout:      defaults.RequestTimeout,
		ShutdownTimeout:     30 * time.Second,
	}
}

// ApplyTo applies the run options to the method receiver and returns self
func (s *ServerRunOptions) ApplyTo(c *server.Config) error {
	c.MaxRequestsInFlight = s.MaxRequestsInFlight
	c.RequestTimeout = s.RequestTimeout
	c.ShutdownTimeout = s.ShutdownTimeout

	return nil
}

func (s *ServerRunOptions) Validate() []error {
	errors := []error{}
	if s.MaxRequestsInFlight < 0 {
		errors = append(errors, fmt.Errorf("--max-requests-inflight can not be negative value"))
	}
	if s.RequestTimeout < 0 {
		errors = append(errors, fmt.Errorf("--request-timeout can not be negative value"))
	}
	return errors
}

// AddUniversalFlags parse the flags
func (s *ServerRunOptions) AddUniversalFlags(fs *pflag.FlagSet) {
	// Note: the weird ""+ in below lines seems to be the only way to get gofmt to
	// arrange these text blocks sensibly. Grrr.

	fs.IntVar(&s.MaxRequestsInFlight, "max-requests-inflight", s.MaxRequestsInFlight, ""+
		"The maximum number of requests in flight at a given time. When the server exceeds this, "+
		"it rejects requests. Zero for no limit.")
	fs.DurationVar(&s.RequestTimeout, "request-timeout", s.RequestTimeout, ""+
		"An optional field indicating the duration a handler must keep a request open before timing "+
		"it out. Block reads and writes in flight are cancelled when it expires.")
	fs.DurationVar(&s.ShutdownTimeout, "shutdown-timeout", s.ShutdownTimeout,
		"How long graceful shutdown waits for open connections")
}
