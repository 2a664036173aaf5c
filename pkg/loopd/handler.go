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

package loopd

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/emicklei/go-restful"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	loopErr "github.com/baidu/easyloop/pkg/error"
	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/server"
	"github.com/baidu/easyloop/pkg/server/endpoint"
	"github.com/baidu/easyloop/pkg/util/json"
)

const (
	paramIndex  = "index"
	paramHandle = "handle"
	paramName   = "name"
)

// InstallAPI registers the loop routes on container.
func (l *Loopd) InstallAPI(container *restful.Container) error {
	var apis = []endpoint.ApiSingle{
		{Verb: "POST", Path: "loop-control/add", Handler: server.WrapRestRouteFunc(l.AddHandler)},
		{Verb: "POST", Path: "loop-control/remove", Handler: server.WrapRestRouteFunc(l.RemoveHandler)},
		{Verb: "POST", Path: "loop-control/get-free", Handler: server.WrapRestRouteFunc(l.GetFreeHandler)},
		{Verb: "GET", Path: "devices", Handler: server.WrapRestRouteFunc(l.ListHandler)},
		{Verb: "POST", Path: "devices/{index}/open", Handler: server.WrapRestRouteFunc(l.OpenHandler)},
		{Verb: "POST", Path: "handles/{handle}/close", Handler: server.WrapRestRouteFunc(l.CloseHandler)},
		{Verb: "POST", Path: "devices/{index}/configure", Handler: server.WrapRestRouteFunc(l.ConfigureHandler)},
		{Verb: "POST", Path: "devices/{index}/set-fd", Handler: server.WrapRestRouteFunc(l.SetFdHandler)},
		{Verb: "POST", Path: "devices/{index}/change-fd", Handler: server.WrapRestRouteFunc(l.ChangeFdHandler)},
		{Verb: "POST", Path: "devices/{index}/clear", Handler: server.WrapRestRouteFunc(l.ClearHandler)},
		{Verb: "GET", Path: "devices/{index}/status", Handler: server.WrapRestRouteFunc(l.GetStatusHandler)},
		{Verb: "PUT", Path: "devices/{index}/status", Handler: server.WrapRestRouteFunc(l.SetStatusHandler)},
		{Verb: "POST", Path: "devices/{index}/capacity", Handler: server.WrapRestRouteFunc(l.CapacityHandler)},
		{Verb: "POST", Path: "devices/{index}/direct-io", Handler: server.WrapRestRouteFunc(l.DirectIOHandler)},
		{Verb: "POST", Path: "devices/{index}/block-size", Handler: server.WrapRestRouteFunc(l.BlockSizeHandler)},
		{Verb: "GET", Path: "devices/{index}/attributes/{name}", Handler: server.WrapRestRouteFunc(l.AttributeHandler)},
		{Verb: "GET", Path: "devices/{index}/data", Handler: server.WrapRestRouteFunc(l.ReadHandler)},
		{Verb: "PUT", Path: "devices/{index}/data", Handler: server.WrapRestRouteFunc(l.WriteHandler)},
		{Verb: "POST", Path: "devices/{index}/flush", Handler: server.WrapRestRouteFunc(l.FlushHandler)},
		{Verb: "POST", Path: "devices/{index}/discard", Handler: server.WrapRestRouteFunc(l.DiscardHandler)},
		{Verb: "POST", Path: "devices/{index}/write-zeroes", Handler: server.WrapRestRouteFunc(l.WriteZeroesHandler)},
	}
	var apiversion = []endpoint.ApiVersion{
		{
			Prefix: "/v1",
			Group:  apis,
		},
	}

	return endpoint.NewApiInstaller(apiversion).Install(container)
}

func writeError(c *server.Context, cause string, err error) {
	e := loopErr.NewErrnoException(cause, err)
	if e.Type == "Server" {
		c.Logger().AddCallerSkip(1).Errorf("%s: %v", cause, err)
	} else {
		c.Logger().AddCallerSkip(1).Warnf("%s: %v", cause, err)
	}
	e.WriteTo(c.Response())
}

// readEntity decodes the JSON body into v. An empty body leaves v untouched.
func readEntity(c *server.Context, cause string, v interface{}) bool {
	req := c.HTTPRequest()
	if req.ContentLength == 0 {
		return true
	}
	var err error
	if req.Header.Get(api.HeaderContentType) == "" {
		err = json.NewDecoder(req.Body).Decode(v)
	} else {
		err = c.Request().ReadEntity(v)
	}
	if err != nil && err != io.EOF {
		c.WithWarnLog(err)
		loopErr.NewInvalidRequestContentException(cause, err).WriteTo(c.Response())
		return false
	}
	return true
}

func pathIndex(c *server.Context) (int, bool) {
	raw := c.Request().PathParameter(paramIndex)
	i, err := strconv.Atoi(raw)
	if err != nil || i < 0 {
		loopErr.NewInvalidParameterValueException(fmt.Sprintf("device index %q", raw), err).WriteTo(c.Response())
		return 0, false
	}
	return i, true
}

// withFile runs fn against the device in the path, through the handle named
// in the request or a transient one opened with mode.
func (l *Loopd) withFile(c *server.Context, cause string, mode loop.OpenMode, fn func(f *loop.DeviceFile) error) bool {
	index, ok := pathIndex(c)
	if !ok {
		return false
	}
	cause = fmt.Sprintf("%s loop%d", cause, index)
	cl := l.callerOf(c)

	if hid := c.Request().HeaderParameter(api.HeaderLoopHandle); hid != "" {
		h, err := l.lookupHandle(cl, hid)
		if err != nil {
			writeError(c, cause, err)
			return false
		}
		if h.file.Device().Number() != index {
			writeError(c, cause, unix.EINVAL)
			return false
		}
		if err := fn(h.file); err != nil {
			writeError(c, cause, err)
			return false
		}
		return true
	}

	f, err := l.open(cl, index, mode)
	if err != nil {
		writeError(c, cause, err)
		return false
	}
	err = fn(f)
	if cerr := f.Close(); cerr != nil {
		c.Logger().Warnf("close transient handle of loop%d: %v", index, cerr)
	}
	if err != nil {
		writeError(c, cause, err)
		return false
	}
	return true
}

func writeOK(c *server.Context) {
	c.Response().WriteHeader(http.StatusNoContent)
}

func (l *Loopd) AddHandler(c *server.Context) {
	params := api.IndexRequest{Index: -1}
	if !readEntity(c, "loop-control add", &params) {
		return
	}
	c.Logger().V(4).Infof("add loop%d", params.Index)
	index, err := l.mgr.Add(params.Index)
	if err != nil {
		writeError(c, "loop-control add", err)
		return
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, api.IndexResponse{Index: index})
}

func (l *Loopd) RemoveHandler(c *server.Context) {
	params := api.IndexRequest{Index: -1}
	if !readEntity(c, "loop-control remove", &params) {
		return
	}
	c.Logger().V(4).Infof("remove loop%d", params.Index)
	if err := l.mgr.Remove(params.Index); err != nil {
		writeError(c, "loop-control remove", err)
		return
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, api.IndexResponse{Index: params.Index})
}

func (l *Loopd) GetFreeHandler(c *server.Context) {
	index, err := l.mgr.GetFree()
	if err != nil {
		writeError(c, "loop-control get-free", err)
		return
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, api.IndexResponse{Index: index})
}

func (l *Loopd) ListHandler(c *server.Context) {
	devices := l.mgr.Devices()
	out := api.ListDevicesResponse{Devices: make([]api.Device, 0, len(devices))}
	for _, d := range devices {
		out.Devices = append(out.Devices, DeviceOf(d))
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, out)
}

func (l *Loopd) OpenHandler(c *server.Context) {
	index, ok := pathIndex(c)
	if !ok {
		return
	}
	params := api.OpenRequest{}
	if !readEntity(c, "open", &params) {
		return
	}
	mode := loop.ModeRead
	if params.Write {
		mode |= loop.ModeWrite
	}
	if params.Exclusive {
		mode |= loop.ModeExclusive
	}
	h, err := l.openHandle(l.callerOf(c), index, mode)
	if err != nil {
		writeError(c, fmt.Sprintf("open loop%d", index), err)
		return
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, api.OpenResponse{Handle: h.id, Device: h.file.Device().Name()})
}

func (l *Loopd) CloseHandler(c *server.Context) {
	hid := c.Request().PathParameter(paramHandle)
	if err := l.closeHandle(l.callerOf(c), hid); err != nil {
		writeError(c, "close handle "+hid, err)
		return
	}
	writeOK(c)
}

func (l *Loopd) ConfigureHandler(c *server.Context) {
	params := api.ConfigureRequest{}
	if !readEntity(c, "configure", &params) {
		return
	}
	logger := c.Logger()
	defer logger.TimeTrack(time.Now(), "configure finish")
	done := l.withFile(c, "configure", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		info, err := InfoOf(&params.Status)
		if err != nil {
			return err
		}
		if info.FileNameString() == "" {
			info.SetFileName(params.Path)
		}
		store, err := l.opts.Opener(params.Path, info.Flags&loop.FlagReadOnly == 0, info.Flags&loop.FlagDirectIO != 0)
		if err != nil {
			return err
		}
		logger.Infof("configure %s with %s flags %s", f, params.Path, info.Flags)
		return f.Configure(store, loop.Config{BlockSize: params.BlockSize, Info: *info})
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) SetFdHandler(c *server.Context) {
	params := api.SetFdRequest{}
	if !readEntity(c, "set-fd", &params) {
		return
	}
	done := l.withFile(c, "set-fd", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		store, err := l.opts.Opener(params.Path, !params.ReadOnly, false)
		if err != nil {
			return err
		}
		c.Logger().Infof("set-fd %s with %s", f, params.Path)
		return f.SetFd(store)
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) ChangeFdHandler(c *server.Context) {
	params := api.ChangeFdRequest{}
	if !readEntity(c, "change-fd", &params) {
		return
	}
	done := l.withFile(c, "change-fd", loop.ModeRead, func(f *loop.DeviceFile) error {
		store, err := l.opts.Opener(params.Path, false, false)
		if err != nil {
			return err
		}
		c.Logger().Infof("change-fd %s to %s", f, params.Path)
		return f.ChangeFd(store)
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) ClearHandler(c *server.Context) {
	done := l.withFile(c, "clear", loop.ModeRead, func(f *loop.DeviceFile) error {
		c.Logger().Infof("clear %s", f)
		return f.Clear()
	})
	if done {
		writeOK(c)
	}
}

func statusFormat(c *server.Context) (api.StatusFormat, bool) {
	format := api.StatusFormat(c.Request().QueryParameter(api.QueryFormat))
	if !format.Valid() {
		loopErr.NewInvalidParameterValueException(fmt.Sprintf("status format %q", format), nil).WriteTo(c.Response())
		return "", false
	}
	return format, true
}

func (l *Loopd) GetStatusHandler(c *server.Context) {
	format, ok := statusFormat(c)
	if !ok {
		return
	}
	var out api.Status
	done := l.withFile(c, "get status", loop.ModeRead, func(f *loop.DeviceFile) error {
		var info *loop.Info
		switch format {
		case api.StatusFormatOld:
			old, err := f.GetStatusOld()
			if err != nil {
				return err
			}
			info = old.Info()
		case api.StatusFormatCompat:
			compat, err := f.GetStatusCompat()
			if err != nil {
				return err
			}
			info = compat.Info()
		default:
			var err error
			if info, err = f.GetStatus(); err != nil {
				return err
			}
		}
		out = StatusOf(info)
		return nil
	})
	if done {
		c.Response().WriteHeaderAndEntity(http.StatusOK, out)
	}
}

func (l *Loopd) SetStatusHandler(c *server.Context) {
	format, ok := statusFormat(c)
	if !ok {
		return
	}
	params := api.Status{}
	if !readEntity(c, "set status", &params) {
		return
	}
	done := l.withFile(c, "set status", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		info, err := InfoOf(&params)
		if err != nil {
			return err
		}
		switch format {
		case api.StatusFormatOld:
			old, err := loop.NewOldInfo(info)
			if err != nil {
				return err
			}
			return f.SetStatusOld(old)
		case api.StatusFormatCompat:
			compat, err := loop.NewCompatInfo(info)
			if err != nil {
				return err
			}
			return f.SetStatusCompat(compat)
		default:
			return f.SetStatus(info)
		}
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) CapacityHandler(c *server.Context) {
	done := l.withFile(c, "set capacity", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.SetCapacity()
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) DirectIOHandler(c *server.Context) {
	params := api.DirectIORequest{}
	if !readEntity(c, "set direct-io", &params) {
		return
	}
	done := l.withFile(c, "set direct-io", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.SetDirectIO(params.Enable)
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) BlockSizeHandler(c *server.Context) {
	params := api.BlockSizeRequest{}
	if !readEntity(c, "set block-size", &params) {
		return
	}
	done := l.withFile(c, "set block-size", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.SetBlockSize(params.BlockSize)
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) AttributeHandler(c *server.Context) {
	index, ok := pathIndex(c)
	if !ok {
		return
	}
	name := c.Request().PathParameter(paramName)
	d, ok := l.mgr.Lookup(index)
	if !ok {
		writeError(c, fmt.Sprintf("attribute %s of loop%d", name, index), unix.ENODEV)
		return
	}
	value, err := d.Attribute(name)
	if err != nil {
		writeError(c, fmt.Sprintf("attribute %s of loop%d", name, index), err)
		return
	}
	c.Response().WriteHeaderAndEntity(http.StatusOK, api.AttributeResponse{Name: name, Value: value})
}

func queryInt(c *server.Context, name string, def int64) (int64, bool) {
	raw := c.Request().QueryParameter(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		loopErr.NewInvalidParameterValueException(fmt.Sprintf("%s %q", name, raw), err).WriteTo(c.Response())
		return 0, false
	}
	return v, true
}

// ReadHandler returns the bytes at offset. Reads crossing the end of the
// device return the bytes before it.
func (l *Loopd) ReadHandler(c *server.Context) {
	off, ok := queryInt(c, api.QueryOffset, 0)
	if !ok {
		return
	}
	length, ok := queryInt(c, api.QueryLength, loop.SectorSize)
	if !ok {
		return
	}
	if length > int64(l.opts.MaxTransfer) {
		writeError(c, "read", unix.EINVAL)
		return
	}
	var data []byte
	done := l.withFile(c, "read", loop.ModeRead, func(f *loop.DeviceFile) error {
		buf := make([]byte, length)
		n, err := f.ReadAtContext(c.HTTPRequest().Context(), buf, off)
		if err != nil && err != io.EOF {
			return err
		}
		data = buf[:n]
		return nil
	})
	if !done {
		return
	}
	c.Response().Header().Set(api.HeaderContentType, api.MIMEOctetStream)
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Write(data)
}

func (l *Loopd) WriteHandler(c *server.Context) {
	off, ok := queryInt(c, api.QueryOffset, 0)
	if !ok {
		return
	}
	body, err := ioutil.ReadAll(io.LimitReader(c.HTTPRequest().Body, int64(l.opts.MaxTransfer)+1))
	if err != nil {
		loopErr.NewInvalidRequestContentException("write", err).WriteTo(c.Response())
		return
	}
	if len(body) > l.opts.MaxTransfer {
		writeError(c, "write", unix.EINVAL)
		return
	}
	var written int
	done := l.withFile(c, "write", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		n, err := f.WriteAtContext(c.HTTPRequest().Context(), body, off)
		written = n
		return err
	})
	if done {
		c.Response().WriteHeaderAndEntity(http.StatusOK, api.WriteResponse{Written: written})
	}
}

func (l *Loopd) FlushHandler(c *server.Context) {
	done := l.withFile(c, "flush", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.Flush(c.HTTPRequest().Context())
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) DiscardHandler(c *server.Context) {
	params := api.RangeRequest{}
	if !readEntity(c, "discard", &params) {
		return
	}
	done := l.withFile(c, "discard", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.Discard(c.HTTPRequest().Context(), params.Offset, params.Length)
	})
	if done {
		writeOK(c)
	}
}

func (l *Loopd) WriteZeroesHandler(c *server.Context) {
	params := api.RangeRequest{}
	if !readEntity(c, "write-zeroes", &params) {
		return
	}
	done := l.withFile(c, "write-zeroes", loop.ModeRead|loop.ModeWrite, func(f *loop.DeviceFile) error {
		return f.WriteZeroes(c.HTTPRequest().Context(), params.Offset, params.Length, params.NoUnmap)
	})
	if done {
		writeOK(c)
	}
}
