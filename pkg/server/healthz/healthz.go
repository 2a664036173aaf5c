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

// Package healthz serves /healthz and one /healthz/<name> path per check.
package healthz

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/baidu/easyloop/pkg/util/logs"
)

// HealthzChecker is a named healthz checker.
type HealthzChecker interface {
	Name() string
	Check() error
}

// PingHealthz returns true automatically when checked
var PingHealthz HealthzChecker = ping{}

type ping struct{}

func (ping) Name() string { return "ping" }

func (ping) Check() error { return nil }

// NamedCheck returns a healthz checker for the given name and function.
func NamedCheck(name string, check func() error) HealthzChecker {
	return &healthzCheck{name, check}
}

type healthzCheck struct {
	name  string
	check func() error
}

func (c *healthzCheck) Name() string { return c.name }

func (c *healthzCheck) Check() error { return c.check() }

// mux is the subset of PathRecorderMux used to install handlers.
type mux interface {
	Handle(pattern string, handler http.Handler)
}

// InstallHandler registers handlers for health checking on the path
// "/healthz" to mux. *All handlers* for mux must be specified in
// exactly one call to InstallHandler. Calling InstallHandler more
// than once for the same mux will result in a panic.
func InstallHandler(mux mux, checks ...HealthzChecker) {
	if len(checks) == 0 {
		logs.V(5).Info("No default health checks specified. Installing the ping handler.")
		checks = []HealthzChecker{PingHealthz}
	}

	logs.V(5).Infof("Installing healthz checkers:%s", formatQuoted(checkerNames(checks...)...))

	mux.Handle("/healthz", handleRootHealthz(checks...))
	for _, check := range checks {
		mux.Handle(fmt.Sprintf("/healthz/%v", check.Name()), adaptCheckToHandler(check.Check))
	}
}

// Check runs every checker and returns the verbose report and whether all passed.
func Check(checks ...HealthzChecker) (string, bool) {
	failed := false
	var verboseOut bytes.Buffer
	for _, check := range checks {
		if err := check.Check(); err != nil {
			// don't include the error since this endpoint is public.  If someone wants more detail
			// they should have explicit permission to the detailed checks.
			logs.V(6).Infof("healthz check %v failed: %v", check.Name(), err)
			fmt.Fprintf(&verboseOut, "[-]%v failed: reason withheld\n", check.Name())
			failed = true
		} else {
			fmt.Fprintf(&verboseOut, "[+]%v ok\n", check.Name())
		}
	}
	return verboseOut.String(), !failed
}

func handleRootHealthz(checks ...HealthzChecker) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, ok := Check(checks...)
		if !ok {
			http.Error(w, fmt.Sprintf("%vhealthz check failed", out), http.StatusInternalServerError)
			return
		}

		if _, found := r.URL.Query()["verbose"]; !found {
			fmt.Fprint(w, "ok")
			return
		}

		fmt.Fprintf(w, "%vhealthz check passed\n", out)
	})
}

// adaptCheckToHandler returns an http.HandlerFunc that serves the provided checks.
func adaptCheckToHandler(c func() error) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := c()
		if err != nil {
			http.Error(w, fmt.Sprintf("internal server error: %v", err), http.StatusInternalServerError)
		} else {
			fmt.Fprint(w, "ok")
		}
	})
}

// checkerNames returns the names of the checks in the same order as passed in.
func checkerNames(checks ...HealthzChecker) []string {
	// accumulate the names of checks for printing them out.
	checkerNames := make([]string, 0, len(checks))
	for _, check := range checks {
		checkerNames = append(checkerNames, check.Name())
	}
	return checkerNames
}

// formatQuoted returns a formatted string of the health check names,
// preserving the order passed in.
func formatQuoted(names ...string) string {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		quoted = append(quoted, fmt.Sprintf("%q", name))
	}
	return strings.Join(quoted, ",")
}
