package main

import (
	"github.com/quarrylabs/quarry/app/wallet/cli/cmd"
)

func main() {
	cmd.Execute()
}
