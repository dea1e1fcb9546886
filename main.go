package main

import (
	"fmt"
	"os"

	"github.com/TecArt/tecart-http-proxy/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
