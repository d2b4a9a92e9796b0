//go:build !darwin || !cgo

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "libsbtrace: build with -buildmode=c-shared on macOS with cgo enabled")
	os.Exit(1)
}
