package main

import "jobsagent/cmd/jobsagent/cli"

func main() {
	cli.Execute()
}
