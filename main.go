package main

import "towncapture/cmd"

func main() {
	cmd.Execute()
}
