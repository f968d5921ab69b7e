package util

import (
	"os"
)

// UserHome returns the current user's home directory. It falls back to
// $HOME, then USERPROFILE, then the working directory, so containers
// without a passwd entry can still start.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if home := os.Getenv(env); home != "" {
			log.WithError(err).WithField("env", env).Warn("os.UserHomeDir failed, falling back to environment")
			return home
		}
	}
	// the file store creates its directory 0700, so key material stays private
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("no home directory; falling back to working directory")
		return wd
	}
	panic("meshroute: unable to determine home directory; set $HOME")
}
