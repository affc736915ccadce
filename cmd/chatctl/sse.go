package main

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// event is one server-sent event.
type event struct {
	Name string
	Data string
}

// readEvents yields the events of an SSE stream in order. Comment lines and
// retry hints are skipped; multi-line data is joined with newlines.
func readEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

		var (
			cur  event
			data []string
		)
		flush := func() bool {
			if cur.Name == "" && len(data) == 0 {
				return true
			}
			if cur.Name == "" {
				cur.Name = "message"
			}
			cur.Data = strings.Join(data, "\n")
			ok := yield(cur, nil)
			cur, data = event{}, nil
			return ok
		}

		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := sc.Err(); err != nil {
			yield(event{}, err)
			return
		}
		flush()
	}
}
