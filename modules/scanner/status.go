package scanner

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// StatusHandler renders a plain text summary of the scan loop and its
// connector runners for operators.
func (s *Scanner) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.mtx.Lock()
		names := make([]string, 0, len(s.runners))
		for name := range s.runners {
			names = append(names, name)
		}
		sort.Strings(names)

		rows := make([]table.Row, 0, len(names))
		for _, name := range names {
			r := s.runners[name]
			lastErr := ""
			if err := r.LastError(); err != nil {
				lastErr = err.Error()
			}
			rows = append(rows, table.Row{name, r.State(), lastErr})
		}
		tagCount, scriptCount := s.tagCount, s.scriptCount
		s.mtx.Unlock()

		lastCycle := "never"
		if nano := s.lastCycleNano.Load(); nano != 0 {
			lastCycle = time.Unix(0, nano).UTC().Format(time.RFC3339)
		}

		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"connector", "state", "last error"})
		tw.AppendRows(rows)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "tags: %d\nscripts: %d\nlast scan cycle: %s\n\n", tagCount, scriptCount, lastCycle)
		_, _ = io.WriteString(w, tw.Render())
		_, _ = io.WriteString(w, "\n")
	})
}
