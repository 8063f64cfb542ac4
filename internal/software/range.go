package software

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errRangeMalformed   = errors.New("malformed range header")
	errRangeUnsatisfied = errors.New("range not satisfiable")
)

// byteRange is a resolved inclusive byte span within an object of known size.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) Length() int64 {
	return r.End - r.Start + 1
}

// parseRangeHeader resolves a single-range "bytes=" header against the given
// object size. Multi-range requests are rejected as malformed. A start past
// the last byte is unsatisfiable; an end past the last byte is clamped.
func parseRangeHeader(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, errRangeMalformed
	}
	if strings.Contains(spec, ",") {
		return byteRange{}, errRangeMalformed
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, errRangeMalformed
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	// Suffix form "bytes=-N": the final N bytes.
	if startStr == "" {
		if endStr == "" {
			return byteRange{}, errRangeMalformed
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, errRangeMalformed
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return byteRange{}, errRangeUnsatisfied
		}
		return byteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errRangeMalformed
	}
	if start >= size {
		return byteRange{}, fmt.Errorf("%w: start %d beyond size %d", errRangeUnsatisfied, start, size)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errRangeMalformed
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return byteRange{Start: start, End: end}, nil
}
