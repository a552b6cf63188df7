// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes used by the IOMMU packages,
// exported as error interface pointers. This allows for fast comparison and
// return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name, but are distinct values. Errno returns a number such that the
// error can be compared to unix.Errno (e.g. EINVAL.Errno() == unix.EINVAL).
var (
	EPERM     = errors.New(unix.EPERM, "operation not permitted")
	EIO       = errors.New(unix.EIO, "I/O error")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	ENODEV    = errors.New(unix.ENODEV, "no such device")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ERANGE    = errors.New(unix.ERANGE, "math result not representable")
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "connection timed out")
)

var errnos = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.EIO:       EIO,
	unix.ENOMEM:    ENOMEM,
	unix.EFAULT:    EFAULT,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.ENODEV:    ENODEV,
	unix.EINVAL:    EINVAL,
	unix.ERANGE:    ERANGE,
	unix.ETIMEDOUT: ETIMEDOUT,
}

// ErrorFromUnix returns the *errors.Error for the given unix.Errno. Unknown
// errnos are wrapped in a new *errors.Error.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return nil
	}
	if e, ok := errnos[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToUnix converts e to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	if e == nil {
		return 0
	}
	return e.Errno()
}

// Equals compares a linuxerr to a given error. err may be wrapped, and may be
// either an *errors.Error or a unix.Errno.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	var le *errors.Error
	if goerrors.As(err, &le) {
		return le.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}
