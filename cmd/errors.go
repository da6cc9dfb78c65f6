// SPDX-License-Identifier: Apache-2.0

package cmd

import "errors"

var errMissingRollbackTarget = errors.New("rollback requires either --latest or --timestamp")
