package topology

import "context"

// SeedProvider supplies addresses that can be asked for the cluster layout
// when no node of the current snapshot answers.
type SeedProvider interface {
	Seeds(ctx context.Context) ([]string, error)
}

// StaticSeeds is a fixed seed list.
type StaticSeeds []string

// Seeds returns a copy of the list.
func (s StaticSeeds) Seeds(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// MultiSeeds asks every provider in order and concatenates the results,
// skipping duplicates. A provider error is returned only if no provider
// produced any address.
type MultiSeeds []SeedProvider

// Seeds implements SeedProvider.
func (m MultiSeeds) Seeds(ctx context.Context) ([]string, error) {
	var (
		out     []string
		seen    = make(map[string]bool)
		lastErr error
	)
	for _, p := range m {
		addrs, err := p.Seeds(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
