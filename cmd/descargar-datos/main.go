package main

import (
	"github.com/luisjaime-estudio/descargar-datos/internal/cmd"
)

// Populated by the linker at release build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
