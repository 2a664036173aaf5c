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

// Package bytefmt converts between byte counts and the short human form used
// by loop tooling.
//
//	bytefmt.ByteSize(100.5*bytefmt.Megabyte) // "100.5M"
//	bytefmt.ToBytes("8s")                    // 4096, eight sectors
package bytefmt

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	Byte     = 1.0
	Sector   = 512 * Byte
	Kilobyte = 1024 * Byte
	Megabyte = 1024 * Kilobyte
	Gigabyte = 1024 * Megabyte
	Terabyte = 1024 * Gigabyte
)

// A missing unit means bytes.
var bytesPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)([KMGT]B?|B|S)?$`)

var errInvalidByteQuantity = errors.New("byte quantity must be a non-negative number with an optional unit like s, K, M, G or T")

// ByteSize returns the shortest form of bytes with one decimal, using the
// largest of T, G, M and K that keeps the value at least 1. Plain byte
// counts carry a B.
func ByteSize(bytes uint64) string {
	if bytes == 0 {
		return "0"
	}
	unit := "B"
	value := float64(bytes)
	for _, u := range []struct {
		name string
		size float64
	}{{"T", Terabyte}, {"G", Gigabyte}, {"M", Megabyte}, {"K", Kilobyte}} {
		if value >= u.size {
			unit = u.name
			value /= u.size
			break
		}
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", value), ".0") + unit
}

// ToBytes parses a byte count such as "4096", "8s", "1.5M" or "2GB".
// Fractions are truncated to whole bytes.
func ToBytes(s string) (uint64, error) {
	parts := bytesPattern.FindStringSubmatch(strings.TrimSpace(s))
	if parts == nil {
		return 0, errInvalidByteQuantity
	}
	if parts[2] == "" || strings.EqualFold(parts[2], "B") {
		if n, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
			return n, nil
		}
	}

	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, errInvalidByteQuantity
	}
	mult := Byte
	if parts[2] != "" {
		switch strings.ToUpper(parts[2][:1]) {
		case "S":
			mult = Sector
		case "K":
			mult = Kilobyte
		case "M":
			mult = Megabyte
		case "G":
			mult = Gigabyte
		case "T":
			mult = Terabyte
		}
	}
	value *= mult
	if value >= 1<<64 {
		return 0, errInvalidByteQuantity
	}
	return uint64(value), nil
}
