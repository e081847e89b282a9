// Command recsync runs store scenarios, inspects CUE schemas and dumps
// SQLite source databases.
package main

import (
	"os"

	"github.com/roach88/recsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
