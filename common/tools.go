package common

import (
	"os"
	"path"
	"strconv"
	"time"

	homedir "github.com/mitchellh/go-homedir"
)

// Version of tcpfwd and tcpfwd-bench
const Version = "1.0.0"

// PathExist returns true if a file or directory exists
func PathExist(path string) bool {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}

	// I know Stat() may fail for a lot of reasons, but
	// os.IsNotExist is not enough, see ENOTDIR for
	// things like /etc/passwd/test
	if err != nil {
		return false
	}

	return true
}

// ExpandPath expands a leading ~ and cleans the result
func ExpandPath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return path.Clean(expanded), nil
}

// BeautifyDuration returns a human readable duration (ex: 432ms, 12s)
func BeautifyDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Millisecond:
		return "0"
	case d < time.Second:
		return strconv.FormatInt(int64(d/time.Millisecond), 10) + "ms"
	default:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
}
