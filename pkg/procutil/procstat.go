package procutil

import (
	"bytes"
	"strconv"
)

// parseStatStartTime extracts field 22 (starttime, clock ticks since
// boot) from the contents of /proc/<pid>/stat. The comm field (field
// 2) is parenthesized and may itself contain spaces or parens, so
// fields are counted from the last ')' rather than split naively.
func parseStatStartTime(stat []byte) (int64, bool) {
	close := bytes.LastIndexByte(stat, ')')
	if close < 0 || close+2 >= len(stat) {
		return 0, false
	}
	rest := bytes.Fields(stat[close+2:])
	// rest[0] is field 3 (state); starttime is field 22, i.e. rest[19].
	const starttimeIndex = 22 - 3
	if len(rest) <= starttimeIndex {
		return 0, false
	}
	v, err := strconv.ParseInt(string(rest[starttimeIndex]), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
