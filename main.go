package main

import "obdash/cmd"

func main() {
	cmd.Execute()
}
