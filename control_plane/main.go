// Command fwforge is the firmware build control plane: it admits queued
// build requests, triggers them on Bamboo and reconciles stage results.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "fwforge:", err)
		os.Exit(1)
	}
}
