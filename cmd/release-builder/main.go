package main

import "github.com/perimetra/release-pipeline/cmd/release-builder/cmd"

func main() {
	cmd.Execute()
}
