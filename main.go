// sshtunnel keeps an SSH session alive for remote commands and local
// port forwards, optionally reaching the server through a SOCKS proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sshtunnel/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sshtunnel: %v\n", err)
		os.Exit(1)
	}
}
