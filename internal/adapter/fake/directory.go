package fake

import (
	"context"
	"fmt"
	"sync"

	"ctfrange/internal/machine"
)

var _ machine.ChallengeDirectory = (*ChallengeDirectory)(nil)

// ChallengeDirectory serves challenges from an in-memory map keyed by
// "contest/slug".
type ChallengeDirectory struct {
	CallRecorder
	mu         sync.Mutex
	challenges map[string]machine.Challenge

	ChallengeErr func(ctx context.Context, contest, slug string) error
}

func NewChallengeDirectory() *ChallengeDirectory {
	return &ChallengeDirectory{challenges: make(map[string]machine.Challenge)}
}

func (d *ChallengeDirectory) Challenge(ctx context.Context, contest, slug string) (machine.Challenge, error) {
	d.record("Challenge", contest, slug)
	if d.ChallengeErr != nil {
		if err := d.ChallengeErr(ctx, contest, slug); err != nil {
			return machine.Challenge{}, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.challenges[contest+"/"+slug]
	if !ok {
		return machine.Challenge{}, fmt.Errorf("challenge %q/%q not found", contest, slug)
	}
	return ch, nil
}

// Put registers a challenge for lookup.
func (d *ChallengeDirectory) Put(ch machine.Challenge) {
	d.mu.Lock()
	d.challenges[ch.Contest+"/"+ch.Slug] = ch
	d.mu.Unlock()
}
