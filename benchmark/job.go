package benchmark

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultWarmup = 60 * time.Second
	DefaultRun    = 300 * time.Second
)

// JobSpec is what a node is asked to do. It does not change for the lifetime of the node process.
type JobSpec struct {
	Selector string
	Warmup   time.Duration
	Run      time.Duration
	SinkURI  string
}

// ParseJobArgs reads the positional node arguments
// [workload-selector [warmup-seconds [run-seconds [output-sink-uri]]]]; missing trailing arguments take
// their defaults.
func ParseJobArgs(args []string) (JobSpec, error) {
	job := JobSpec{Selector: SelectAll, Warmup: DefaultWarmup, Run: DefaultRun}
	if len(args) > 4 {
		return job, fmt.Errorf("expected at most 4 arguments, got %d", len(args))
	}
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		job.Selector = args[0]
	}
	if len(args) > 1 {
		d, err := parseSeconds("warmup-seconds", args[1], true)
		if err != nil {
			return job, err
		}
		job.Warmup = d
	}
	if len(args) > 2 {
		d, err := parseSeconds("run-seconds", args[2], false)
		if err != nil {
			return job, err
		}
		job.Run = d
	}
	if len(args) > 3 {
		job.SinkURI = strings.TrimSpace(args[3])
	}
	return job, nil
}

// Args renders the job back into positional node arguments.
func (j JobSpec) Args() []string {
	args := []string{
		j.Selector,
		strconv.Itoa(int(j.Warmup.Seconds())),
		strconv.Itoa(int(j.Run.Seconds())),
	}
	if j.SinkURI != "" {
		args = append(args, j.SinkURI)
	}
	return args
}

func parseSeconds(name, s string, zeroOK bool) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number of seconds: %q", name, s)
	}
	if n < 0 || (n == 0 && !zeroOK) {
		return 0, fmt.Errorf("%s out of range: %d", name, n)
	}
	return time.Duration(n) * time.Second, nil
}

// Seconds formats d as a whole number of seconds for a tool flag, never less than 1.
func Seconds(d time.Duration) int {
	return max(int(d.Seconds()), 1)
}
