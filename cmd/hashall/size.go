package main

import "github.com/dustin/go-humanize"

// parseSize parses a human-readable size string into bytes, e.g. "100",
// "1K", "10MiB".
func parseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}
