/*
btxmesh gateway
*/
package main

import "github.com/skycoin/btxmesh/cmd/btxmesh-gateway/commands"

func main() {
	commands.Execute()
}
