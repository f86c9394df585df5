// Command playground is a terminal chat that lets a hosted model use tools
// served by MCP servers over HTTP.
package main

func main() {
	Execute()
}
