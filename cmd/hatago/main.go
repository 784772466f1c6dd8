// Command hatago runs the MCP hub.
package main

import "github.com/hatago/hatago/cmd/hatago/cmd"

func main() {
	cmd.Execute()
}
