// Command fakesocket serves and administers a long-polling pub/sub socket.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ggoodman/fakesocket-go/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
