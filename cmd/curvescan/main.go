package main

import (
	"fmt"
	"log"
	"os"

	"github.com/curvescan/curvescan/internal/buildinfo"
)

func main() {
	log.Printf("curvescan %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
