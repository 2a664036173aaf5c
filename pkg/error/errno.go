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

package error

import (
	"errors"
	"net/http"

	"golang.org/x/sys/unix"
)

type errnoMapping struct {
	name    string
	code    ErrorType
	status  int
	message string
}

var errnoTable = map[unix.Errno]errnoMapping{
	unix.EEXIST:     {"EEXIST", ResourceConflictException, http.StatusConflict, "The device index is already in use"},
	unix.EBUSY:      {"EBUSY", ResourceBusyException, http.StatusConflict, "The device is busy"},
	unix.EAGAIN:     {"EAGAIN", TryAgainException, http.StatusServiceUnavailable, "Cached pages are still attached, try again"},
	unix.ENXIO:      {"ENXIO", ResourceNotFoundException, http.StatusNotFound, "The device is not bound"},
	unix.ENODEV:     {"ENODEV", ResourceNotFoundException, http.StatusNotFound, "The device does not exist"},
	unix.ENOENT:     {"ENOENT", ResourceNotFoundException, http.StatusNotFound, "The resource specified in the request does not exist"},
	unix.EINVAL:     {"EINVAL", InvalidParameterValueException, http.StatusBadRequest, "One of the parameters in the request is invalid"},
	unix.EBADF:      {"EBADF", InvalidParameterValueException, http.StatusBadRequest, "The backing file can not be used by this device"},
	unix.EOVERFLOW:  {"EOVERFLOW", ValueOverflowException, http.StatusBadRequest, "A value does not fit the requested format"},
	unix.EPERM:      {"EPERM", AccessDeniedException, http.StatusForbidden, "Access Denied"},
	unix.EACCES:     {"EACCES", AccessDeniedException, http.StatusForbidden, "Access Denied"},
	unix.EOPNOTSUPP: {"EOPNOTSUPP", NotImplementedException, http.StatusNotImplemented, "The operation is not supported by the device"},
	unix.ENOSYS:     {"ENOSYS", NotImplementedException, http.StatusNotImplemented, "The control command is not implemented"},
	unix.ENOTTY:     {"ENOTTY", NotImplementedException, http.StatusNotImplemented, "The control command is not implemented"},
	unix.EIO:        {"EIO", IOException, http.StatusInternalServerError, "The device reported an I/O error"},
	unix.ENOMEM:     {"ENOMEM", ServiceException, http.StatusInternalServerError, "Service encountered an internal error"},
}

func errnoOf(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// NewErrnoException maps the errno carried by lasterr to its HTTP shape.
// Errors without an errno are service exceptions.
func NewErrnoException(cause string, lasterr error) FinalError {
	errno, ok := errnoOf(lasterr)
	if !ok {
		return NewServiceException(cause, lasterr)
	}
	m, ok := errnoTable[errno]
	if !ok {
		m = errnoMapping{unix.ErrnoName(errno), ServiceException, http.StatusInternalServerError, errno.Error()}
	}
	return NewGenericException(BasicError{
		Code:    m.code,
		Cause:   cause,
		Message: m.message,
		Errno:   m.name,
		Status:  m.status,
	}, lasterr)
}

// Errno recovers the errno of an error decoded from a response body.
// It returns 0 when the error carries none.
func (f FinalError) Errno() unix.Errno {
	if f.BasicError.Errno == "" {
		return 0
	}
	for errno, m := range errnoTable {
		if m.name == f.BasicError.Errno {
			return errno
		}
	}
	return 0
}
