// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"log"

	"arrec"
)

func main() {
	if err := arrec.Run(); err != nil {
		log.Fatal(err)
	}
}
