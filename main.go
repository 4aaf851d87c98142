package main

import "github.com/osagent/osa/cmd"

func main() {
	cmd.Execute()
}
