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

// Package client talks to loopd over its unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	loopErr "github.com/baidu/easyloop/pkg/error"
	"github.com/baidu/easyloop/pkg/rest"
)

const DefaultLoopdSocket = "/var/run/loop/.loopd.sock"

var baseURL, _ = url.Parse("http://loopd")

type Options struct {
	Sock    string
	Timeout time.Duration
}

func NewOptions() *Options {
	return &Options{
		Sock:    DefaultLoopdSocket,
		Timeout: 30 * time.Second,
	}
}

// AddFlags adds the client flags to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Sock, "sock", o.Sock, "The api socket of loopd")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Timeout of one request")
}

// Interface is the loopd api.
type Interface interface {
	Add(index int) (int, error)
	Remove(index int) error
	GetFree() (int, error)
	List() ([]api.Device, error)

	Open(index int, in *api.OpenRequest) (*api.OpenResponse, error)
	CloseHandle(handle string) error

	Configure(index int, in *api.ConfigureRequest) error
	SetFd(index int, in *api.SetFdRequest) error
	ChangeFd(index int, in *api.ChangeFdRequest) error
	Clear(index int) error
	GetStatus(index int, format api.StatusFormat) (*api.Status, error)
	SetStatus(index int, format api.StatusFormat, in *api.Status) error
	SetCapacity(index int) error
	SetDirectIO(index int, enable bool) error
	SetBlockSize(index int, size uint32) error
	Attribute(index int, name string) (string, error)

	Read(index int, off int64, length int) ([]byte, error)
	Write(index int, off int64, data []byte) (int, error)
	Flush(index int) error
	Discard(index int, in *api.RangeRequest) error
	WriteZeroes(index int, in *api.RangeRequest) error
}

// Client is used to talk with loopd
type Client struct {
	client  *rest.RESTClient
	timeout time.Duration
	handle  string
}

// NewClient creates a client dialing the socket of option.
func NewClient(option *Options) *Client {
	config := rest.ContentConfig{
		ContentType:   "application/json",
		ClientTimeout: option.Timeout,
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", option.Sock)
			},
		},
	}
	restCli, _ := rest.NewRESTClient(baseURL, "v1", config, client)
	restCli.SetBackoff(rest.NewURLBackoff(50*time.Millisecond, 2*time.Second))
	return &Client{
		client:  restCli,
		timeout: option.Timeout,
	}
}

// WithHandle returns a client acting through the open handle hid.
func (c *Client) WithHandle(hid string) *Client {
	out := *c
	out.handle = hid
	return &out
}

func (c *Client) verb(verb, resource string) *rest.Request {
	return c.client.Verb(verb).
		BaseURL(baseURL).
		Resource(resource).
		ClientTimeout(c.timeout).
		SetHeader(api.HeaderLoopHandle, c.handle)
}

func device(index int, sub string) string {
	return fmt.Sprintf("devices/%d/%s", index, sub)
}

func (c *Client) Add(index int) (int, error) {
	out := api.IndexResponse{}
	err := c.verb("POST", "loop-control/add").Body(&api.IndexRequest{Index: index}).Do().Into(&out)
	return out.Index, err
}

func (c *Client) Remove(index int) error {
	return c.verb("POST", "loop-control/remove").Body(&api.IndexRequest{Index: index}).Do().Error()
}

func (c *Client) GetFree() (int, error) {
	out := api.IndexResponse{}
	err := c.verb("POST", "loop-control/get-free").Do().Into(&out)
	return out.Index, err
}

func (c *Client) List() ([]api.Device, error) {
	out := api.ListDevicesResponse{}
	if err := c.verb("GET", "devices").Do().Into(&out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) Open(index int, in *api.OpenRequest) (*api.OpenResponse, error) {
	out := &api.OpenResponse{}
	if err := c.verb("POST", device(index, "open")).Body(in).Do().Into(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CloseHandle(handle string) error {
	return c.verb("POST", fmt.Sprintf("handles/%s/close", handle)).Do().Error()
}

func (c *Client) Configure(index int, in *api.ConfigureRequest) error {
	return c.verb("POST", device(index, "configure")).Body(in).Do().Error()
}

func (c *Client) SetFd(index int, in *api.SetFdRequest) error {
	return c.verb("POST", device(index, "set-fd")).Body(in).Do().Error()
}

func (c *Client) ChangeFd(index int, in *api.ChangeFdRequest) error {
	return c.verb("POST", device(index, "change-fd")).Body(in).Do().Error()
}

func (c *Client) Clear(index int) error {
	return c.verb("POST", device(index, "clear")).Do().Error()
}

func (c *Client) GetStatus(index int, format api.StatusFormat) (*api.Status, error) {
	out := &api.Status{}
	err := c.verb("GET", device(index, "status")).
		Criteria(statusQuery(format)).
		Do().
		Into(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetStatus(index int, format api.StatusFormat, in *api.Status) error {
	return c.verb("PUT", device(index, "status")).
		Criteria(statusQuery(format)).
		Body(in).
		Do().
		Error()
}

func (c *Client) SetCapacity(index int) error {
	return c.verb("POST", device(index, "capacity")).Do().Error()
}

func (c *Client) SetDirectIO(index int, enable bool) error {
	return c.verb("POST", device(index, "direct-io")).Body(&api.DirectIORequest{Enable: enable}).Do().Error()
}

func (c *Client) SetBlockSize(index int, size uint32) error {
	return c.verb("POST", device(index, "block-size")).Body(&api.BlockSizeRequest{BlockSize: size}).Do().Error()
}

func (c *Client) Attribute(index int, name string) (string, error) {
	out := api.AttributeResponse{}
	err := c.verb("GET", device(index, "attributes/"+name)).Do().Into(&out)
	return out.Value, err
}

// Read returns up to length bytes at off. Fewer bytes come back at the end
// of the device.
func (c *Client) Read(index int, off int64, length int) ([]byte, error) {
	data, err := c.verb("GET", device(index, "data")).
		Criteria(dataQuery(off).AddInt(api.QueryLength, int64(length))).
		Do().
		Raw()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) Write(index int, off int64, data []byte) (int, error) {
	out := api.WriteResponse{}
	err := c.verb("PUT", device(index, "data")).
		Criteria(dataQuery(off)).
		Body(data).
		Do().
		Into(&out)
	return out.Written, err
}

func (c *Client) Flush(index int) error {
	return c.verb("POST", device(index, "flush")).Do().Error()
}

func (c *Client) Discard(index int, in *api.RangeRequest) error {
	return c.verb("POST", device(index, "discard")).Body(in).Do().Error()
}

func (c *Client) WriteZeroes(index int, in *api.RangeRequest) error {
	return c.verb("POST", device(index, "write-zeroes")).Body(in).Do().Error()
}

// statusQuery selects the status layout, the server default is info64.
func statusQuery(format api.StatusFormat) rest.QueryCriteria {
	return rest.NewQueryCriteria().AddCondition(api.QueryFormat, string(format))
}

func dataQuery(off int64) rest.QueryCriteria {
	return rest.NewQueryCriteria().AddInt(api.QueryOffset, off)
}

// Errno returns the errno reported by loopd for err, 0 if there is none.
func Errno(err error) unix.Errno {
	var f loopErr.FinalError
	if errors.As(err, &f) {
		return f.Errno()
	}
	return 0
}

var _ Interface = &Client{}
