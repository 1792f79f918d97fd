package orchestrator

import "errors"

// ErrGenerationUnavailable indicates the generation backend failed or
// returned an unusable response. The current question is not committed.
var ErrGenerationUnavailable = errors.New("generation backend unavailable")

// ErrGenerationTimeout indicates the generation call exceeded its configured
// timeout. The current question is not committed.
var ErrGenerationTimeout = errors.New("generation timed out")
