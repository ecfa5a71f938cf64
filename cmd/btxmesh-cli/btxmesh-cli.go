/*
CLI for btxmesh gateway
*/
package main

import (
	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/commands"
)

func main() {
	commands.Execute()
}
