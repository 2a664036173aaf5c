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

package loop

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// attributes are the read-only properties of a bound device, by name.
var attributes = map[string]func(d *Device) string{
	"backing_file": func(d *Device) string {
		if s := d.Backing(); s != nil {
			return s.Name()
		}
		return ""
	},
	"offset":    func(d *Device) string { return fmt.Sprintf("%d", uint64(d.offset)) },
	"sizelimit": func(d *Device) string { return fmt.Sprintf("%d", uint64(d.sizelimit)) },
	"autoclear": func(d *Device) string { return flagAttr(d, FlagAutoclear) },
	"partscan":  func(d *Device) string { return flagAttr(d, FlagPartScan) },
	"dio":       func(d *Device) string { return flagAttr(d, FlagDirectIO) },
}

func flagAttr(d *Device, f Flags) string {
	if d.Flags()&f != 0 {
		return "1"
	}
	return "0"
}

// AttributeNames lists the attributes in name order.
func AttributeNames() []string {
	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attribute renders the attribute name with a trailing newline. Attributes
// exist from configure to teardown, ENOENT otherwise.
func (d *Device) Attribute(name string) (string, error) {
	show, ok := attributes[name]
	if !ok {
		return "", unix.ENOENT
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.sysfs {
		return "", unix.ENOENT
	}
	return show(d) + "\n", nil
}
