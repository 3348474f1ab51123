// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/vramblk/vramblk/cmd/vramblk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
