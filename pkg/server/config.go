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

package server

import (
	"net"
	"net/http"
	"runtime"
	"time"

	genericfilters "github.com/baidu/easyloop/pkg/server/filters"
	"github.com/baidu/easyloop/pkg/server/healthz"
	"github.com/baidu/easyloop/pkg/server/routes"
	"github.com/baidu/easyloop/pkg/util/waitgroup"
	"github.com/baidu/easyloop/pkg/version"
)

// Config is a structure used to configure a GenericServer.
// Its members are sorted roughly in order of importance for composers.
type Config struct {
	// SecureServingInfo is required to serve
	SecureServingInfo *SecureServingInfo

	EnableProfiling bool
	// Requires generic profiling enabled
	EnableContentionProfiling bool
	EnableMetrics             bool
	SummaryOverheadMs         int

	// Version will enable the /version endpoint if non-nil
	Version *version.Version

	// HandlerChainWaitGroup allows you to wait for all chain handlers exit after the server shutdown.
	HandlerChainWaitGroup *waitgroup.SafeWaitGroup

	// The default set of healthz checks. There might be more added via AddHealthzChecks dynamically.
	HealthzChecks []healthz.HealthzChecker

	// ===========================================================================
	// Fields you probably don't care about changing
	// ===========================================================================

	// BuildHandlerChainFunc allows you to build custom handler chains by decorating the apiHandler.
	BuildHandlerChainFunc func(apiHandler http.Handler, c *Config) http.Handler

	// If specified, every request context is cancelled after this duration.
	RequestTimeout time.Duration

	// MaxRequestsInFlight is the maximum number of parallel requests. Every further
	// request is rejected with 503.
	MaxRequestsInFlight int

	// ShutdownTimeout bounds graceful shutdown, 0 means 30s.
	ShutdownTimeout time.Duration
}

type RecommendedConfig struct {
	Config
}

// BuildHandlerChainFunc is a type for functions that build handler chain
type BuildHandlerChainFunc func(apiHandler http.Handler, c *Config) http.Handler

// SecureServingInfo holds the listener the server accepts on.
type SecureServingInfo struct {
	// Listener is the server network listener, tcp or unix.
	Listener net.Listener
}

// NewConfig returns a Config struct with the default values
func NewConfig() *Config {
	return &Config{
		HandlerChainWaitGroup: new(waitgroup.SafeWaitGroup),
		HealthzChecks:         []healthz.HealthzChecker{healthz.PingHealthz},
		BuildHandlerChainFunc: DefaultBuildHandlerChain,
		Version:               version.Get(),
		MaxRequestsInFlight:   400,
		RequestTimeout:        time.Duration(60) * time.Second,

		EnableProfiling:           false,
		EnableContentionProfiling: false,
		EnableMetrics:             true,
		SummaryOverheadMs:         1,
	}
}

// NewRecommendedConfig returns a RecommendedConfig struct with the default values
func NewRecommendedConfig() *RecommendedConfig {
	return &RecommendedConfig{
		Config: *NewConfig(),
	}
}

// CompletedConfig is a Config that New accepts.
type CompletedConfig struct {
	*Config
}

// Complete fills in any fields not set that are required to have valid data and can be derived
// from other fields. If you're going to `ApplyOptions`, do that first. It's mutating the receiver.
func (c *Config) Complete() CompletedConfig {
	if c.HandlerChainWaitGroup == nil {
		c.HandlerChainWaitGroup = new(waitgroup.SafeWaitGroup)
	}
	if c.BuildHandlerChainFunc == nil {
		c.BuildHandlerChainFunc = DefaultBuildHandlerChain
	}
	return CompletedConfig{c}
}

// New creates a new server which logically combines the handling chain with the passed server.
// name is used to differentiate for logging.
func (c CompletedConfig) New(name string) (*GenericServer, error) {
	handlerChainBuilder := func(handler http.Handler) http.Handler {
		return c.BuildHandlerChainFunc(handler, c.Config)
	}
	handler := NewServerHandler(name, handlerChainBuilder, nil)
	s := &GenericServer{
		ShutdownTimeout:       c.ShutdownTimeout,
		HandlerChainWaitGroup: c.HandlerChainWaitGroup,

		SecureServingInfo: c.SecureServingInfo,
		Handler:           handler,

		postStartHooks:   map[string]postStartHookEntry{},
		preShutdownHooks: map[string]preShutdownHookEntry{},

		healthzChecks: c.HealthzChecks,
	}

	installAPI(s, c.Config)

	return s, nil
}

// DefaultBuildHandlerChain wraps the api handler with the generic filters.
func DefaultBuildHandlerChain(apiHandler http.Handler, c *Config) http.Handler {
	handler := genericfilters.WithSummaryLog(apiHandler, time.Duration(c.SummaryOverheadMs)*time.Millisecond)
	handler = genericfilters.WithRequestID(handler)
	handler = genericfilters.WithMaxInFlightLimit(handler, c.MaxRequestsInFlight)
	handler = genericfilters.WithWaitGroup(handler, c.HandlerChainWaitGroup)
	handler = genericfilters.WithTimeoutFilter(handler, c.RequestTimeout)
	return handler
}

func installAPI(s *GenericServer, c *Config) {
	if c.EnableProfiling {
		routes.Profiling{}.Install(s.Handler.NonGoRestfulMux)
		if c.EnableContentionProfiling {
			runtime.SetBlockProfileRate(1)
		}
	}
	if c.EnableMetrics {
		routes.DefaultMetrics{}.Install(s.Handler.NonGoRestfulMux)
	}
	if c.Version != nil {
		routes.Version{Version: c.Version}.Install(s.Handler.GoRestfulContainer)
	}
}
