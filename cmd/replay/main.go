package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "blockstage.ai/internal/persistence/log"
	"blockstage.ai/internal/sim/stage"
)

func main() {
	var (
		eventsDir = flag.String("events", "", "events dir containing events-*.jsonl.zst")
		session   = flag.Uint64("session", 0, "only summarize this play session (0 = all)")
	)
	flag.Parse()

	if *eventsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -events")
		os.Exit(2)
	}

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	sum, err := summarize(files, *session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	for _, s := range sum.Sessions {
		fmt.Printf("session=%d events=%d tasks=%d finished=%d failed=%d collisions=%d pairs=%s\n",
			s.Session, s.Events, s.TasksStarted, s.TasksFinished, s.TasksFailed, s.Collisions, strings.Join(s.Pairs, ","))
	}
	fmt.Printf("replay ok: files=%d events=%d last_seq=%d\n", len(files), sum.Events, sum.LastSeq)
}

type sessionSummary struct {
	Session       uint64
	Events        int
	TasksStarted  int
	TasksFinished int
	TasksFailed   int
	Collisions    int
	Pairs         []string
}

type summary struct {
	Events   int
	LastSeq  uint64
	Sessions []*sessionSummary
}

// summarize reads every file in order, checks that seq strictly increases
// across them, and tallies events per play session.
func summarize(files []string, only uint64) (summary, error) {
	var (
		out      summary
		bySess   = map[uint64]*sessionSummary{}
		lastFile string
	)
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var e stage.Event
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if out.Events > 0 && e.Seq <= out.LastSeq {
				return fmt.Errorf("seq not increasing: %d after %d (file=%s prev=%s)", e.Seq, out.LastSeq, filepath.Base(path), lastFile)
			}
			out.Events++
			out.LastSeq = e.Seq
			lastFile = filepath.Base(path)

			if e.Session == 0 || (only != 0 && e.Session != only) {
				return nil
			}
			s := bySess[e.Session]
			if s == nil {
				s = &sessionSummary{Session: e.Session}
				bySess[e.Session] = s
			}
			s.Events++
			switch e.Kind {
			case stage.EventTaskStarted:
				s.TasksStarted++
			case stage.EventTaskFinished:
				s.TasksFinished++
			case stage.EventTaskFailed:
				s.TasksFailed++
			case stage.EventCollision:
				s.Collisions++
				s.Pairs = append(s.Pairs, e.Detail)
			}
			return nil
		})
		if err != nil {
			return out, err
		}
	}

	for _, s := range bySess {
		out.Sessions = append(out.Sessions, s)
	}
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].Session < out.Sessions[j].Session })
	return out, nil
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
