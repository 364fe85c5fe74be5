package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ____  _ _                _           _ _      _
 / ___|(_) |_   _____ _ __| |__  _   _| | | ___| |_
 \___ \| | \ \ / / _ \ '__| '_ \| | | | | |/ _ \ __|
  ___) | | |\ V /  __/ |  | |_) | |_| | | |  __/ |_
 |____/|_|_| \_/ \___|_|  |_.__/ \__,_|_|_|\___|\__|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  EAP-TLS credential service - Version %s\x1b[0m\n\n", Version)
}
