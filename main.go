package main

import "github.com/baishicoke/fn-scheduler/cmd"

func main() {
	cmd.Execute()
}
