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

package transfer

import "golang.org/x/sys/unix"

type noneTransfer struct{}

func (noneTransfer) Name() string                 { return "none" }
func (noneTransfer) Init([]byte, [2]uint64) error { return nil }
func (noneTransfer) Release() error               { return nil }

func (noneTransfer) Transfer(_ Direction, _ []byte, dst, src []byte, _ uint64) error {
	copy(dst, src)
	return nil
}

// xorTransfer is symmetric, the key repeats every 512 bytes of data.
type xorTransfer struct{}

func (xorTransfer) Name() string   { return "xor" }
func (xorTransfer) Release() error { return nil }

func (xorTransfer) Init(key []byte, _ [2]uint64) error {
	if len(key) <= 0 {
		return unix.EINVAL
	}
	return nil
}

func (xorTransfer) Transfer(_ Direction, key []byte, dst, src []byte, _ uint64) error {
	XORBlock(dst, src, key)
	return nil
}

// XORBlock sets dst[i] = src[i] ^ key[(i&511)%len(key)].
func XORBlock(dst, src, key []byte) {
	keysize := len(key)
	for i := range src {
		dst[i] = src[i] ^ key[(i&511)%keysize]
	}
}
