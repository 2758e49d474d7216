package unit

import (
	"strconv"
)

const (
	// https://en.wikipedia.org/wiki/Byte#Multiple-byte_units
	Byte     Bytes = 1
	Kibibyte       = 1024 * Byte
	Mebibyte       = 1024 * Kibibyte
	Gibibyte       = 1024 * Mebibyte
)

type Bytes int64

// String formats b with the largest binary unit that keeps the value at
// least one, e.g. "1.5 MiB".
func (b Bytes) String() string {
	switch {
	case b >= Gibibyte:
		return strconv.FormatFloat(float64(b)/float64(Gibibyte), 'f', 1, 64) + " GiB"
	case b >= Mebibyte:
		return strconv.FormatFloat(float64(b)/float64(Mebibyte), 'f', 1, 64) + " MiB"
	case b >= Kibibyte:
		return strconv.FormatFloat(float64(b)/float64(Kibibyte), 'f', 1, 64) + " KiB"
	default:
		return strconv.FormatInt(int64(b), 10) + " B"
	}
}
