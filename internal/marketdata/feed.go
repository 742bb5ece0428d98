package marketdata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

// ReadTicks decodes newline-delimited JSON ticks from r and hands each to fn
// until EOF or ctx is done. Malformed lines are logged and skipped.
func ReadTicks(ctx context.Context, r io.Reader, fn func(types.Tick)) (int, error) {
	logger := log.With().Str("component", "tick_feed").Logger()
	scanner := bufio.NewScanner(r)

	var n, line int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var t types.Tick
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("skipping malformed tick")
			continue
		}
		fn(t)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read ticks: %w", err)
	}
	return n, nil
}
