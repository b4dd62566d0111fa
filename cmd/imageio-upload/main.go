package main

import (
	"github.com/virt-tools/imageio-upload/internal/cli"
)

func main() {
	cli.Execute()
}
