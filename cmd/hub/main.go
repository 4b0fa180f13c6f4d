// Command hub serves registered operations to encrypted websocket endpoints
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
