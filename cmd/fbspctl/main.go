// fbspctl is a CLI client for FBSP services: it connects, performs the
// HELLO/WELCOME handshake and issues requests from the command line or an
// interactive console.
package main

import "github.com/firebird-butler/fbsp-go/cmd/fbspctl/commands"

func main() {
	commands.Execute()
}
