package planner

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var hostAdjectives = []string{
	"silver", "crimson", "silent", "lone", "rapid", "brisk", "shadow", "azure",
	"golden", "frost", "vivid", "rusty", "neon", "sable", "quiet", "bold",
}

var hostNouns = []string{
	"falcon", "tiger", "otter", "fox", "beacon", "raven", "harbor", "praxis",
	"engine", "anchor", "phoenix", "harpy", "walrus", "comet", "sage",
}

const hostnameAttempts = 10000

// ErrHostnamesExhausted is returned when no unique hostname could be produced.
var ErrHostnamesExhausted = errors.New("unable to generate unique hostname")

// UniqueHostname returns an adjective-noun name not present in used and adds
// it to used. Once random draws keep colliding a numeric suffix is appended.
func UniqueHostname(rng *rand.Rand, used map[string]struct{}) (string, error) {
	for i := 0; i < hostnameAttempts; i++ {
		name := randomHostname(rng)
		if _, taken := used[name]; !taken {
			used[name] = struct{}{}
			return name, nil
		}
	}
	for suffix := 1; suffix < hostnameAttempts; suffix++ {
		name := fmt.Sprintf("%s-%d", randomHostname(rng), suffix)
		if _, taken := used[name]; !taken {
			used[name] = struct{}{}
			return name, nil
		}
	}
	return "", ErrHostnamesExhausted
}

func randomHostname(rng *rand.Rand) string {
	return hostAdjectives[rng.IntN(len(hostAdjectives))] + "-" + hostNouns[rng.IntN(len(hostNouns))]
}
