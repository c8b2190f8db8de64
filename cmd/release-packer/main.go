package main

import "github.com/oshokin/release-packer/cmd/release-packer/cmd"

func main() {
	cmd.Execute()
}
