// Command captivegate runs the captive portal gateway and its admin tooling.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
