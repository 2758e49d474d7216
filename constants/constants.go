package constants

// Set at build time with -ldflags "-X github.com/xeptore/quefi/constants.Version=...".
var (
	Version     = "dev"
	CompileTime = "unknown"
)
