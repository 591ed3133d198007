package env

import (
	"fmt"
	"net/http"
	"os"
)

const unset = "unset"

// Set from versioninfo at startup.
var Version = unset

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s\n", Version) // nolint:errcheck
}

func IsProd() bool {
	return Version != unset
}

// Deployment environment name used to tag traces ("dev" when ENVIRONMENT is unset).
func Environment() string {
	if e := os.Getenv("ENVIRONMENT"); e != "" {
		return e
	}
	return "dev"
}
