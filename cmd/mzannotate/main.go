// Copyright 2026 Rob Marissen.
// SPDX-License-Identifier: MIT

// mzannotate - Peptide spectrum annotation tool
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/524D/mzannotate/cmd/mzannotate/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
