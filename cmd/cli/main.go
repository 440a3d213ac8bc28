package main

import "github.com/mchmarny/churnctl/pkg/cli"

func main() {
	cli.Execute()
}
