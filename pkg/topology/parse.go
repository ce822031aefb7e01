package topology

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ParseSlots parses a CLUSTER SLOTS reply. Each line has the form
//
//	<start> <end> <primary host:port> [<replica host:port> ...]
//
// Lines sharing a primary are merged into one shard.
func ParseSlots(lines []string) ([]ShardSpec, error) {
	var (
		specs []ShardSpec
		index = make(map[string]int)
	)

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: malformed slots line %q", ErrInvalidTopology, line)
		}
		start, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad range start in %q", ErrInvalidTopology, line)
		}
		end, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad range end in %q", ErrInvalidTopology, line)
		}
		primary := fields[2]

		i, ok := index[primary]
		if !ok {
			i = len(specs)
			index[primary] = i
			specs = append(specs, ShardSpec{Primary: primary})
		}
		specs[i].Ranges = append(specs[i].Ranges, SlotRange{Start: start, End: end})
		for _, replica := range fields[3:] {
			if !slices.Contains(specs[i].Replicas, replica) {
				specs[i].Replicas = append(specs[i].Replicas, replica)
			}
		}
	}

	return specs, nil
}

// FormatSlots renders specs as CLUSTER SLOTS lines, one per range.
func FormatSlots(specs []ShardSpec) []string {
	var lines []string
	for _, spec := range specs {
		for _, r := range spec.Ranges {
			parts := []string{strconv.Itoa(r.Start), strconv.Itoa(r.End), spec.Primary}
			parts = append(parts, spec.Replicas...)
			lines = append(lines, strings.Join(parts, " "))
		}
	}
	return lines
}
