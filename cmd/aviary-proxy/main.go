// Command aviary-proxy aggregates a set of MCP server processes behind
// a single namespaced catalog, relaying client requests over stdio.
package main

import "github.com/aviary-mcp/proxy/cmd/aviary-proxy/cmd"

func main() {
	cmd.Execute()
}
