package failure

import (
	"fmt"

	"github.com/rs/zerolog"
)

// BestEffort runs fn and logs, rather than returns, its error. A panic in fn
// is recovered and logged the same way. It reports whether fn succeeded.
func BestEffort(log zerolog.Logger, op string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", op).Interface("panic", r).Msg("best-effort step panicked")
			ok = false
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("best-effort step failed")
		return false
	}
	return true
}

// Recovered converts a recovered panic value into an error.
func Recovered(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
