package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/IshaanNene/BirdStalk/internal/types"
)

// dumper writes every classified response to a per-run temp directory for
// offline inspection.
type dumper struct {
	dir   string
	count atomic.Int64
}

func newDumper() *dumper {
	ts := time.Now().UTC().Format("2006-01-02_15-04")
	return &dumper{dir: filepath.Join(os.TempDir(), "birdstalk-"+ts)}
}

func (d *dumper) dump(rep *types.Response) {
	n := d.count.Add(1) - 1
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return
	}

	name := fmt.Sprintf("%05d_%d_%s.txt", n, rep.StatusCode, rep.Username)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d - %d/%d - %s\n", n, rep.RateLimitRemaining(), rep.RateLimitReset(), rep.Username)
	fmt.Fprintf(&buf, "%d %s %s\n\n", rep.StatusCode, rep.Method, rep.URL)
	for key, vals := range rep.Headers {
		for _, v := range vals {
			fmt.Fprintf(&buf, "%s: %s\n", key, v)
		}
	}
	buf.WriteString("\n")

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, rep.Body, "", "  "); err == nil {
		buf.Write(pretty.Bytes())
	} else {
		buf.Write(rep.Body)
	}

	os.WriteFile(filepath.Join(d.dir, name), buf.Bytes(), 0o644)
}
