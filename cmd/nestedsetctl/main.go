// nestedsetctl maintains nested set tables stored in SQLite
package main

import (
	"os"

	"github.com/nainya/nestedset/internal/ctl"
)

func main() {
	ctl.MainStart(os.Args[1:])
}
