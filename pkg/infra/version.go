package infra

import (
	"fmt"
	"runtime"
)

const (
	programName = "assetcc"
)

// Version and CommitSHA are set at link time.
var (
	Version   = "latest"
	CommitSHA = "development build"
)

func GetVersionInfo() string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n Git commit: %s\n OS/Arch: %s\n",
		programName, Version, runtime.Version(), CommitSHA,
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}
