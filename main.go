// Command reedbot is the process entrypoint: it delegates straight to the
// cobra root command in cmd.
package main

import "github.com/aldermoor/reedbot/cmd"

func main() {
	cmd.Execute()
}
