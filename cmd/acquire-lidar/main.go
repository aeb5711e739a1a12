package main

import (
	"os"

	"github.com/Lllllllleong/surveyflow/internal/cli"
)

func main() {
	os.Exit(int(cli.Run(cli.AcquireLidar)))
}
