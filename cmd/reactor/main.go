// Command reactor runs a document reactor.
package main

import (
	"fmt"
	"os"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
