package main

import "cncworker/cmd"

func main() {
	cmd.Execute()
}
