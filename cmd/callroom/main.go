// Callroom — CLI entry point.
//
// Join a room on a signaling server and negotiate a call with another
// participant, or run the room server itself for local use.
package main

import (
	"github.com/peergrid/callroom/internal/cli"
)

func main() {
	cli.Execute()
}
