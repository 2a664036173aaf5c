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

package endpoint

import (
	"fmt"
	"path"
	"sort"
	"strings"

	restful "github.com/emicklei/go-restful"
)

var verbs = map[string]bool{
	"GET": true, "PUT": true, "POST": true, "DELETE": true, "PATCH": true, "HEAD": true,
}

// ApiInstaller installs groups of routes on a go-restful container after
// checking that no two routes collide.
type ApiInstaller struct {
	versions []ApiVersion
}

func NewApiInstaller(v []ApiVersion) *ApiInstaller {
	return &ApiInstaller{versions: v}
}

// Validate reports the first route with an unknown verb, no handler, or the
// same verb and path as an earlier one. Parameter names are ignored when
// comparing, so "devices/{index}" and "devices/{id}" collide.
func (installer *ApiInstaller) Validate() error {
	seen := map[string]string{}
	for _, version := range installer.versions {
		for _, api := range version.Group {
			route := api.Verb + " " + path.Join(version.Prefix, api.Path)
			if !verbs[api.Verb] {
				return fmt.Errorf("route %s: unknown verb", route)
			}
			if api.Handler == nil {
				return fmt.Errorf("route %s: no handler", route)
			}
			key := api.Verb + " " + shape(version.Prefix, api.Path)
			if prev, ok := seen[key]; ok {
				return fmt.Errorf("route %s collides with %s", route, prev)
			}
			seen[key] = route
		}
	}
	return nil
}

// Routes lists every route as "VERB /prefix/path", sorted by path.
func (installer *ApiInstaller) Routes() []string {
	var out []string
	for _, version := range installer.versions {
		for _, api := range version.Group {
			out = append(out, api.Verb+" "+path.Join(version.Prefix, api.Path))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i][strings.IndexByte(out[i], ' ')+1:], out[j][strings.IndexByte(out[j], ' ')+1:]
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

// Install validates the routes and adds one web service per version.
func (installer *ApiInstaller) Install(container *restful.Container) error {
	if err := installer.Validate(); err != nil {
		return err
	}
	for _, version := range installer.versions {
		version.InstallREST(container)
	}
	return nil
}

func shape(prefix, p string) string {
	parts := strings.Split(path.Join(prefix, p), "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			parts[i] = "{}"
		}
	}
	return strings.Join(parts, "/")
}
