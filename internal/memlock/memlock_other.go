// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package memlock

import (
	"errors"
)

func All() error {
	return errors.ErrUnsupported
}
