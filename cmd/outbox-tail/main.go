package main

import "nostr-outbox/internal/cli"

func main() {
	cli.Execute()
}
