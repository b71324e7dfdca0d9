// Command pipewright runs declarative multi-agent pipelines against tracked
// work items.
package main

import "pipewright/internal/cli"

func main() {
	cli.Execute()
}
