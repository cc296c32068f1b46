package main

import "github.com/perimetra/release-pipeline/cmd/update-applier/cmd"

func main() {
	cmd.Execute()
}
