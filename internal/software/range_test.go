package software

import (
	"errors"
	"testing"
)

func TestParseRangeHeader(t *testing.T) {
	const size = 100

	cases := []struct {
		name   string
		header string
		start  int64
		end    int64
	}{
		{"full range", "bytes=0-99", 0, 99},
		{"open end", "bytes=10-", 10, 99},
		{"interior", "bytes=5-9", 5, 9},
		{"single byte", "bytes=99-99", 99, 99},
		{"end clamped", "bytes=90-500", 90, 99},
		{"suffix", "bytes=-10", 90, 99},
		{"suffix larger than object", "bytes=-500", 0, 99},
		{"whitespace", " bytes=0-49", 0, 49},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			span, err := parseRangeHeader(tc.header, size)
			if err != nil {
				t.Fatalf("parseRangeHeader(%q) returned error: %v", tc.header, err)
			}
			if span.Start != tc.start || span.End != tc.end {
				t.Fatalf("parseRangeHeader(%q) = [%d, %d], want [%d, %d]",
					tc.header, span.Start, span.End, tc.start, tc.end)
			}
		})
	}
}

func TestParseRangeHeaderMalformed(t *testing.T) {
	headers := []string{
		"",
		"bytes",
		"bytes=",
		"bytes=-",
		"bytes=abc-def",
		"bytes=10-5",
		"bytes=-0",
		"bytes=0-10,20-30",
		"items=0-10",
	}
	for _, h := range headers {
		if _, err := parseRangeHeader(h, 100); !errors.Is(err, errRangeMalformed) {
			t.Fatalf("parseRangeHeader(%q) = %v, want malformed", h, err)
		}
	}
}

func TestParseRangeHeaderUnsatisfiable(t *testing.T) {
	if _, err := parseRangeHeader("bytes=100-", 100); !errors.Is(err, errRangeUnsatisfied) {
		t.Fatalf("expected unsatisfiable for start at size, got %v", err)
	}
	if _, err := parseRangeHeader("bytes=500-600", 100); !errors.Is(err, errRangeUnsatisfied) {
		t.Fatalf("expected unsatisfiable for start beyond size, got %v", err)
	}
}

func TestRangeLength(t *testing.T) {
	span := byteRange{Start: 5, End: 9}
	if span.Length() != 5 {
		t.Fatalf("Length() = %d, want 5", span.Length())
	}
}
