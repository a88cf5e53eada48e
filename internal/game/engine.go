// internal/game/engine.go
//
// Remote engine: the game runs in the presentation layer and reports its score back
// over the API. Pending plays are held in memory keyed by play ID.
//
// Characteristics:
//   - Concurrency-safe via Mutex.
//   - Each play's finish callback fires at most once; later reports are rejected.
//   - Abandoned plays are dropped by Cancel or replaced by the next Launch.

package game

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NewPlayID returns a fresh play identifier.
func NewPlayID() string { return uuid.NewString() }

type pending struct {
	play     Play
	finish   FinishFunc
	reported bool
}

// Remote is an Engine whose plays are finished by Report.
type Remote struct {
	mu    sync.Mutex
	plays map[string]*pending
}

// NewRemote constructs an empty Remote engine.
func NewRemote() *Remote {
	return &Remote{plays: make(map[string]*pending)}
}

// Launch registers play; the presentation layer starts the actual minigame.
func (r *Remote) Launch(ctx context.Context, play Play, finish FinishFunc) error {
	if play.ID == "" {
		return fmt.Errorf("launch: empty play id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// a new launch abandons any unfinished play
	for id, p := range r.plays {
		if !p.reported {
			delete(r.plays, id)
		}
	}
	r.plays[play.ID] = &pending{play: play, finish: finish}
	log.Debug().Str("play", play.ID).Msg("play launched")
	return nil
}

// Report delivers the final score for playID.
func (r *Remote) Report(playID string, score uint64) error {
	r.mu.Lock()
	p, ok := r.plays[playID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlay, playID)
	}
	if p.reported {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyReported, playID)
	}
	p.reported = true
	finish := p.finish
	r.mu.Unlock()

	log.Info().Str("play", playID).Uint64("score", score).Msg("play finished")
	finish(score)
	return nil
}

// Cancel forgets an unfinished play.
func (r *Remote) Cancel(playID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plays, playID)
}
