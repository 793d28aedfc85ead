// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapopt

import (
	"errors"
	"fmt"
)

// MaxTokenLen is the maximum CoAP token length in bytes.
const MaxTokenLen = 8

// ErrInvalidToken is returned for tokens of the wrong shape or longer
// than MaxTokenLen.
var ErrInvalidToken = errors.New("token must be text or a bytes-array, 8 bytes long max")

// ValidateToken checks the token length constraint. A zero-length token
// is valid and means "no token".
func ValidateToken(b []byte) error {
	if len(b) > MaxTokenLen {
		return fmt.Errorf("%w (%d bytes)", ErrInvalidToken, len(b))
	}
	return nil
}
