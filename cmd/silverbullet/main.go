package main

import "github.com/jmcleod/silverbullet/cmd/silverbullet/cmd"

func main() {
	cmd.Execute()
}
