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

package api

// IndexRequest is the body of the loop-control routes.
type IndexRequest struct {
	Index int `json:"index"`
}

type IndexResponse struct {
	Index int `json:"index"`
}

// Device describes one registered device.
type Device struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Devt        uint64 `json:"devt"`
	State       string `json:"state"`
	Flags       string `json:"flags"`
	Refs        int    `json:"refs"`
	Capacity    uint64 `json:"capacity"`
	BlockSize   uint32 `json:"blockSize"`
	BackingFile string `json:"backingFile,omitempty"`
	DirectIO    bool   `json:"directIO"`
}

type ListDevicesResponse struct {
	Devices []Device `json:"devices"`
}

type OpenRequest struct {
	Write     bool `json:"write"`
	Exclusive bool `json:"exclusive"`
}

type OpenResponse struct {
	Handle string `json:"handle"`
	Device string `json:"device"`
}

// Status is the JSON form of the device status. Key is base64 encoded on
// the wire and only returned to privileged callers.
type Status struct {
	Device      uint64    `json:"device"`
	INode       uint64    `json:"inode"`
	RDevice     uint64    `json:"rdevice"`
	Offset      uint64    `json:"offset"`
	SizeLimit   uint64    `json:"sizeLimit"`
	Number      uint32    `json:"number"`
	EncryptType uint32    `json:"encryptType"`
	Flags       uint32    `json:"flags"`
	FileName    string    `json:"fileName"`
	CryptName   string    `json:"cryptName,omitempty"`
	Key         []byte    `json:"key,omitempty"`
	Init        [2]uint64 `json:"init"`
}

// ConfigureRequest binds the file at Path. The daemon opens it read-only
// when Status.Flags carries READ_ONLY and with O_DIRECT when it carries
// DIRECT_IO.
type ConfigureRequest struct {
	Path      string `json:"path"`
	BlockSize uint32 `json:"blockSize,omitempty"`
	Status    Status `json:"status"`
}

// SetFdRequest is the legacy bind: no status, writable when possible.
type SetFdRequest struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

type ChangeFdRequest struct {
	Path string `json:"path"`
}

type DirectIORequest struct {
	Enable bool `json:"enable"`
}

type BlockSizeRequest struct {
	BlockSize uint32 `json:"blockSize"`
}

type AttributeResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RangeRequest is the body of discard and write-zeroes.
type RangeRequest struct {
	Offset  int64  `json:"offset"`
	Length  uint32 `json:"length"`
	NoUnmap bool   `json:"noUnmap,omitempty"`
}

type WriteResponse struct {
	Written int `json:"written"`
}

// DaemonConfig is the YAML file applied by loopd at start.
type DaemonConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig creates device Index and, when Path is set, binds it.
type DeviceConfig struct {
	Index     int      `yaml:"index"`
	Path      string   `yaml:"path,omitempty"`
	Offset    uint64   `yaml:"offset,omitempty"`
	SizeLimit uint64   `yaml:"sizeLimit,omitempty"`
	BlockSize uint32   `yaml:"blockSize,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
}
