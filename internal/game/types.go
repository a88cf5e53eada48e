// internal/game/types.go
//
// The rhythm game boundary.
// The minigame itself (input sampling, audio sync, scoring) lives outside the session
// core; the core only launches a play and receives its final score once.

package game

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownPlay     = errors.New("unknown play")
	ErrAlreadyReported = errors.New("score already reported")
)

// Play identifies one paid play session.
type Play struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// FinishFunc receives the final score of a play.
type FinishFunc func(score uint64)

// Engine runs plays. Implementations call finish at most once per Launch.
type Engine interface {
	Launch(ctx context.Context, play Play, finish FinishFunc) error
}
