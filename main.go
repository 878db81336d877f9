// The main package for the tikcrawl executable.
package main

import (
	"github.com/datalab-tools/tiktok-research-crawler/cmd"
)

func main() {
	cmd.Execute()
}
