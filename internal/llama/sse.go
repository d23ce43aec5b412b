package llama

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// fieldPattern matches one "name: value" line. The name is a single run of
// non-whitespace characters; comment lines (": ping") never match.
var fieldPattern = regexp.MustCompile(`^(\S+):\s(.*)$`)

// eventReader splits a response body into records. Lines are buffered until
// their terminator arrives, so a network read that ends mid-line never
// produces a truncated record. A record is complete as soon as its data line
// is: the server sends one JSON object per data line and does not always
// separate events with a blank line.
type eventReader struct {
	r       *bufio.Reader
	pending map[string]string
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

// next returns the fields of the next record. It returns io.EOF once the
// body is exhausted. An event that ends without a data line, or a line that
// is neither a field nor a comment, is an ErrMalformedPayload.
func (er *eventReader) next() (map[string]string, error) {
	for {
		line, err := er.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		if line != "" {
			fields, ok, cerr := er.consume(strings.TrimRight(line, "\r\n"))
			if cerr != nil {
				return nil, cerr
			}
			if ok {
				return fields, nil
			}
		}

		if err == io.EOF {
			if len(er.pending) > 0 {
				return nil, er.missingData()
			}
			return nil, io.EOF
		}
	}
}

func (er *eventReader) consume(line string) (map[string]string, bool, error) {
	if line == "" {
		if len(er.pending) > 0 {
			return nil, false, er.missingData()
		}
		return nil, false, nil
	}
	if strings.HasPrefix(line, ":") {
		return nil, false, nil
	}

	m := fieldPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false, fmt.Errorf("%w: not an event field: %q", ErrMalformedPayload, truncate(line, 64))
	}

	if er.pending == nil {
		er.pending = make(map[string]string, 2)
	}
	er.pending[m[1]] = m[2]

	if m[1] != "data" {
		return nil, false, nil
	}
	fields := er.pending
	er.pending = nil
	return fields, true, nil
}

func (er *eventReader) missingData() error {
	names := slices.Sorted(maps.Keys(er.pending))
	er.pending = nil
	return fmt.Errorf("%w: event without data field (%s)", ErrMalformedPayload, strings.Join(names, ", "))
}
