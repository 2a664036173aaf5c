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

package rest

import (
	"net/http"
	"net/url"
	"strings"
)

// Interface is the request building surface of RESTClient.
type Interface interface {
	Verb(verb string) *Request
	Post() *Request
	Put() *Request
	Get() *Request
	Delete() *Request
}

// RESTClient imposes common API conventions.
// The baseURL is expected to point to an HTTP or HTTPS path that is the parent
// of one or more resources.  The server should return a decodable API resource
// object, or an error.FinalError object which contains information about the
// reason for any failure.
type RESTClient struct {
	// base is the root URL for all invocations of the client
	base *url.URL

	// version is a path segment connecting the base URL to the resource root
	version string

	// contentConfig is the information used to communicate with the server.
	contentConfig ContentConfig

	// Set specific behavior of the client.  If not set http.DefaultClient will be used.
	Client *http.Client

	backoff BackoffManager
}

// NewRESTClient creates a new RESTClient. This client performs generic REST functions
// such as Get, Put, Post, and Delete on specified paths.  Codec controls encoding and
// decoding of responses from the server.
func NewRESTClient(baseURL *url.URL, version string, config ContentConfig, client *http.Client) (*RESTClient, error) {
	base := *baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	base.RawQuery = ""
	base.Fragment = ""

	return &RESTClient{
		base:          &base,
		version:       version,
		contentConfig: config,
		Client:        client,
	}, nil
}

// SetBackoff replaces the backoff manager of every later request.
func (c *RESTClient) SetBackoff(b BackoffManager) {
	c.backoff = b
}

// Verb begins a request with a verb (GET, POST, PUT, DELETE).
//
// Example usage of RESTClient's request building interface:
//
//	var out api.ListDevicesResponse
//	err := c.Verb("GET").
//		Resource("devices").
//		Do().
//		Into(&out)
func (c *RESTClient) Verb(verb string) *Request {
	if c.Client == nil {
		return NewRequest(nil, verb, c.base, c.version, c.contentConfig, c.backoff)
	}
	return NewRequest(c.Client, verb, c.base, c.version, c.contentConfig, c.backoff)
}

// Post begins a POST request. Short for c.Verb("POST").
func (c *RESTClient) Post() *Request {
	return c.Verb("POST")
}

// Put begins a PUT request. Short for c.Verb("PUT").
func (c *RESTClient) Put() *Request {
	return c.Verb("PUT")
}

// Get begins a GET request. Short for c.Verb("GET").
func (c *RESTClient) Get() *Request {
	return c.Verb("GET")
}

// Delete begins a DELETE request. Short for c.Verb("DELETE").
func (c *RESTClient) Delete() *Request {
	return c.Verb("DELETE")
}

// APIVersion returns the APIVersion this RESTClient is expected to use.
func (c *RESTClient) APIVersion() string {
	return c.version
}
