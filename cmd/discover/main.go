// Command discover waits for a relay beacon on the local subnet and prints
// where to connect.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"lanrelay/internal/discovery"
)

func main() {
	port := flag.Int("port", 8124, "discovery port to listen on")
	timeout := flag.Duration("timeout", 15*time.Second, "how long to wait for a beacon")
	request := flag.String("request", "", "optional host:port to ask for an immediate beacon")
	flag.Parse()

	listener := discovery.NewListener(discovery.ListenerConfig{
		Port:          *port,
		RequestTarget: *request,
	}, nil)

	desc, err := listener.WaitForServer(context.Background(), *timeout)
	if err != nil {
		if errors.Is(err, discovery.ErrTimeout) {
			fmt.Fprintln(os.Stderr, "no relay found on the subnet")
		} else {
			fmt.Fprintln(os.Stderr, "discovery failed:", err)
		}
		os.Exit(1)
	}

	fmt.Printf("server:    %s (version %s)\n", desc.ServerName, desc.Version)
	fmt.Printf("websocket: %s\n", desc.WSEndpoint)
	fmt.Printf("http:      %s\n", desc.HTTPEndpoint)
	fmt.Printf("clients:   %d\n", desc.ClientCount)
}
