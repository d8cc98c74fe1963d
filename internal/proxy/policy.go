package proxy

import "math/rand"

// Policy picks one address per attempt. Implementations receive the verified
// and untested sets separately and must never be handed quarantined addresses.
type Policy interface {
	Pick(working, candidates []string) (string, bool)
}

// RandomPolicy prefers a uniformly random verified address and falls back to
// a uniformly random untested candidate.
type RandomPolicy struct{}

func (RandomPolicy) Pick(working, candidates []string) (string, bool) {
	if len(working) > 0 {
		return working[rand.Intn(len(working))], true
	}
	if len(candidates) > 0 {
		return candidates[rand.Intn(len(candidates))], true
	}
	return "", false
}
