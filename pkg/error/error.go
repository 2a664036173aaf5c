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

// Errors returned by the loop control API. Every failure is a JSON body
// plus an error type header, e.g:
//
// HTTP/1.1 409
// X-Loop-Request-Id: b0e91dc8-3807-11e2-83c6-5912bf8ad066
// X-Loop-ErrorType: ResourceBusyException
// Content-Type: application/json
//
// {
//     "Code": "ResourceBusyException",
//     "Cause": "configure loop3",
//     "Message": "The device is busy",
//     "Errno": "EBUSY",
//     "Status": 409,
//     "Type": "User"
// }

import (
	"net/http"

	"github.com/baidu/easyloop/pkg/util/json"
	"github.com/baidu/easyloop/pkg/util/logs"
)

// ErrorType is the alias of string
type ErrorType string

const (
	// ResourceNotFoundException means the device, handle or attribute does not exist
	// or is not bound.
	ResourceNotFoundException ErrorType = "ResourceNotFoundException"
	// ResourceConflictException means the index is already taken.
	ResourceConflictException ErrorType = "ResourceConflictException"
	// ResourceBusyException means the device is in use or in the wrong state.
	ResourceBusyException ErrorType = "ResourceBusyException"
	// TryAgainException means cached pages are still attached to the device.
	TryAgainException ErrorType = "TryAgainException"

	InvalidParameterValueException ErrorType = "InvalidParameterValueException"
	InvalidRequestContentException ErrorType = "InvalidRequestContentException"
	AccessDeniedException          ErrorType = "AccessDeniedException"
	ValueOverflowException         ErrorType = "ValueOverflowException"
	ServiceException               ErrorType = "ServiceException"
	IOException                    ErrorType = "IOException"

	NotImplementedException  ErrorType = "NotImplementedException"
	TooManyRequestsException ErrorType = "TooManyRequestsException"
)

// HeaderErrorType carries the ErrorType of a failed response.
const HeaderErrorType = "X-Loop-ErrorType"

// BasicError struct
type BasicError struct {
	Code    ErrorType `json:"Code,omitempty"`
	Cause   string    `json:"Cause,omitempty"`
	Message string    `json:"Message"`
	Errno   string    `json:"Errno,omitempty"`
	Status  int       `json:"Status,omitempty"`
	Type    string    `json:"Type,omitempty"`
}

// Error struct compatible with standard `error` interface
func (err BasicError) Error() string {
	return string(err.toJSON())
}

func (err BasicError) toJSON() []byte {
	b, e := json.Marshal(err)
	if e != nil {
		logs.Errorf("marshal error failed, err=%v, jsonerr=%s", err, e.Error())
	}
	return b
}

// FinalError preserve the error stack
type FinalError struct {
	BasicError
	Backtrace []BasicError `json:"Backtrace,omitempty"`
}

func (f FinalError) Error() string {
	b, _ := json.Marshal(f)
	return string(b)
}

// MarshalJSON flattens the basic error and appends the backtrace.
func (f FinalError) MarshalJSON() ([]byte, error) {
	x, err := json.Marshal(f.BasicError)
	if err != nil {
		return nil, err
	}
	if f.Backtrace == nil {
		return x, nil
	}
	bt, err := json.Marshal(f.Backtrace)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(x)+len(bt)+16)
	out = append(out, x[:len(x)-1]...)
	out = append(out, `,"Backtrace":`...)
	out = append(out, bt...)
	out = append(out, '}')
	return out, nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (f *FinalError) UnmarshalJSON(b []byte) error {
	var raw struct {
		BasicError
		Backtrace []BasicError `json:"Backtrace,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	f.BasicError = raw.BasicError
	f.Backtrace = raw.Backtrace
	return nil
}

// WriteTo writes the error as the response.
func (f FinalError) WriteTo(w http.ResponseWriter) FinalError {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderErrorType, string(f.Code))
	if f.Code == TryAgainException || f.Code == TooManyRequestsException {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(f.Status)

	b, _ := json.Marshal(f)
	w.Write(b)
	return f
}

// NewInvalidParameterValueException xxx
func NewInvalidParameterValueException(cause string, lasterr error) FinalError {
	return NewGenericException(BasicError{
		Code:    InvalidParameterValueException,
		Cause:   cause,
		Message: "One of the parameters in the request is invalid",
		Status:  http.StatusBadRequest,
	}, lasterr)
}

// NewInvalidRequestContentException xxx
func NewInvalidRequestContentException(cause string, lasterr error) FinalError {
	return NewGenericException(BasicError{
		Code:    InvalidRequestContentException,
		Cause:   cause,
		Message: "The request body could not be parsed as JSON",
		Status:  http.StatusBadRequest,
	}, lasterr)
}

// NewServiceException xxx
func NewServiceException(cause string, lasterr error) FinalError {
	return NewGenericException(BasicError{
		Code:    ServiceException,
		Cause:   cause,
		Message: "Service encountered an internal error",
		Status:  http.StatusInternalServerError,
	}, lasterr)
}

func NewResourceNotFoundException(cause string, lasterr error) FinalError {
	return NewGenericException(BasicError{
		Code:    ResourceNotFoundException,
		Cause:   cause,
		Message: "The resource specified in the request does not exist",
		Status:  http.StatusNotFound,
	}, lasterr)
}

// NewNotImplementedException xxx
func NewNotImplementedException(cause string) FinalError {
	return NewGenericException(BasicError{
		Code:    NotImplementedException,
		Cause:   cause,
		Message: "this method is not implemented",
		Status:  http.StatusNotImplemented,
	}, nil)
}

// NewGenericException xxx
func NewGenericException(err BasicError, lasterr error) FinalError {
	if err.Status >= http.StatusBadRequest && err.Status < http.StatusInternalServerError {
		err.Type = "User"
	} else if err.Status >= http.StatusInternalServerError && err.Status <= http.StatusNetworkAuthenticationRequired {
		err.Type = "Server"
	}

	switch v := lasterr.(type) {
	case FinalError:
		return FinalError{
			BasicError: err,
			Backtrace:  append(v.Backtrace, v.BasicError),
		}
	case BasicError:
		return FinalError{
			BasicError: err,
			Backtrace:  []BasicError{v},
		}
	case nil:
		return FinalError{BasicError: err}
	default:
		return FinalError{
			BasicError: err,
			Backtrace:  []BasicError{{Message: lasterr.Error()}},
		}
	}
}

// GenericLoopFinalError converts any error into a FinalError. Errno causes
// keep their mapping, everything else is a ServiceException.
func GenericLoopFinalError(err error) FinalError {
	switch v := err.(type) {
	case FinalError:
		return v
	default:
		if _, ok := errnoOf(err); ok {
			return NewErrnoException("", err)
		}
		return NewServiceException("", v)
	}
}
