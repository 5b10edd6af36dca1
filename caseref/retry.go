package caseref

import (
	"context"
	"errors"
	"time"
)

// ErrReferenceCollision signals that a freshly issued reference already exists
// at the case-record layer. It is transient: retrying issuance yields a new
// sequence number.
var ErrReferenceCollision = errors.New("caseref: reference collision")

// Retry runs fn up to attempts times, sleeping backoff between tries. It keeps
// retrying only while fn fails with ErrReferenceCollision; any other error
// aborts immediately. The exhausted collision error is returned to the caller
// as-is so it can be surfaced as fatal.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrReferenceCollision) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
