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
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/baidu/easyloop/pkg/server"
)

type SecureServingOptions struct {
	// SocketPath is a unix socket to serve on. It takes precedence over
	// BindAddress and BindPort.
	SocketPath string
	// SocketMode is applied to the socket file once it is created.
	SocketMode os.FileMode

	BindAddress net.IP
	// BindPort is ignored when Listener or SocketPath is set.
	BindPort int
	// BindNetwork is the type of network to bind to - defaults to "tcp", accepts "tcp",
	// "tcp4", and "tcp6".
	BindNetwork string

	// Listener is the server network listener.
	// either Listener or SocketPath or BindAddress/BindPort/BindNetwork is set,
	// if Listener is set, use it and omit the others.
	Listener net.Listener
}

func NewSecureServingOptions() *SecureServingOptions {
	return &SecureServingOptions{
		SocketPath:  "/var/run/loop/.loopd.sock",
		SocketMode:  0666,
		BindAddress: net.ParseIP("127.0.0.1"),
	}
}

func (s *SecureServingOptions) Validate() []error {
	if s == nil {
		return nil
	}

	errors := []error{}

	if s.BindPort < 0 || s.BindPort > 65535 {
		errors = append(errors, fmt.Errorf("--port %v must be between 0 and 65535, inclusive. 0 for turning off tcp serving", s.BindPort))
	}
	if s.SocketPath != "" && !filepath.IsAbs(s.SocketPath) {
		errors = append(errors, fmt.Errorf("--api-sock %q must be an absolute path", s.SocketPath))
	}

	return errors
}

func (s *SecureServingOptions) AddFlags(fs *pflag.FlagSet) {
	if s == nil {
		return
	}

	fs.StringVar(&s.SocketPath, "api-sock", s.SocketPath, ""+
		"The unix socket the loop api is served on. Empty to serve on --bind-address and --port instead.")
	fs.IPVar(&s.BindAddress, "bind-address", s.BindAddress, ""+
		"The IP address on which to listen for the --port port when --api-sock is empty.")
	fs.IntVar(&s.BindPort, "port", s.BindPort, ""+
		"The port on which to serve HTTP when --api-sock is empty. If 0, "+
		"don't serve HTTP at all.")
}

// ApplyTo fills up serving information in the server configuration.
func (s *SecureServingOptions) ApplyTo(config **server.SecureServingInfo) error {
	if s == nil {
		return nil
	}
	if s.Listener == nil && s.SocketPath == "" && s.BindPort <= 0 {
		return nil
	}

	if s.Listener == nil {
		var err error
		if s.SocketPath != "" {
			s.Listener, err = CreateUnixListener(s.SocketPath, s.SocketMode)
		} else {
			addr := net.JoinHostPort(s.BindAddress.String(), strconv.Itoa(s.BindPort))
			s.Listener, s.BindPort, err = CreateListener(s.BindNetwork, addr)
		}
		if err != nil {
			return fmt.Errorf("failed to create listener: %v", err)
		}
	}

	*config = &server.SecureServingInfo{
		Listener: s.Listener,
	}

	return nil
}

func CreateListener(network, addr string) (net.Listener, int, error) {
	if len(network) == 0 {
		network = "tcp"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to listen on %v: %v", addr, err)
	}

	// get port
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, 0, fmt.Errorf("invalid listen address: %q", ln.Addr().String())
	}

	return ln, tcpAddr.Port, nil
}

// CreateUnixListener replaces any stale socket at path and listens on it.
func CreateUnixListener(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %v", path, err)
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			ln.Close()
			return nil, err
		}
	}
	return ln, nil
}
