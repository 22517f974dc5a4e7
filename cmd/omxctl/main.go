// Command omxctl is a CLI client for the omxd daemon's control surface.
package main

import "github.com/open-mx/omxd/cmd/omxctl/commands"

func main() {
	commands.Execute()
}
