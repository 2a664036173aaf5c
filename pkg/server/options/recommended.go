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
	"github.com/spf13/pflag"

	"github.com/baidu/easyloop/pkg/server"
)

// RecommendedOptions contains the recommended options for running an API server.
// If you add something to this list, it should be in a logical grouping.
// Each of them can be nil to leave the feature unconfigured on ApplyTo.
type RecommendedOptions struct {
	ServerRunOptions *ServerRunOptions
	SecureServing    *SecureServingOptions
	Features         *FeatureOptions
}

func NewRecommendedOptions() *RecommendedOptions {
	return &RecommendedOptions{
		ServerRunOptions: NewServerRunOptions(),
		SecureServing:    NewSecureServingOptions(),
		Features:         NewFeatureOptions(),
	}
}

func (o *RecommendedOptions) AddFlags(fs *pflag.FlagSet) {
	o.ServerRunOptions.AddUniversalFlags(fs)
	o.SecureServing.AddFlags(fs)
	o.Features.AddFlags(fs)
}

// ApplyTo adds RecommendedOptions to the server configuration. The listener is
// created here, so call it once flags are parsed and validated.
func (o *RecommendedOptions) ApplyTo(config *server.RecommendedConfig) error {
	if err := o.ServerRunOptions.ApplyTo(&config.Config); err != nil {
		return err
	}
	if err := o.SecureServing.ApplyTo(&config.Config.SecureServingInfo); err != nil {
		return err
	}
	if err := o.Features.ApplyTo(&config.Config); err != nil {
		return err
	}
	return nil
}

func (o *RecommendedOptions) Validate() []error {
	errors := []error{}
	errors = append(errors, o.ServerRunOptions.Validate()...)
	errors = append(errors, o.SecureServing.Validate()...)
	errors = append(errors, o.Features.Validate()...)

	return errors
}
