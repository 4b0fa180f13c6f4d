// Command endpoint calls operations on a hub over an encrypted websocket session
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
