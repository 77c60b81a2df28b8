package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrToolLoad is returned when every requested toolkit failed to load.
var ErrToolLoad = errors.New("failed to load tools")

// DefaultMaxPerToolkit caps how many tools a single toolkit contributes.
const DefaultMaxPerToolkit = 20

// Loader fetches tool definitions per toolkit, in parallel, tolerating
// per-toolkit failure. No retries; a single attempt per toolkit.
type Loader struct {
	service       Service
	maxPerToolkit int
	logger        *zap.Logger
}

func NewLoader(service Service, maxPerToolkit int, logger *zap.Logger) *Loader {
	if maxPerToolkit <= 0 {
		maxPerToolkit = DefaultMaxPerToolkit
	}
	return &Loader{
		service:       service,
		maxPerToolkit: maxPerToolkit,
		logger:        logger,
	}
}

// Load fetches the union of the toolkits' tool sets. An empty toolkit list
// returns an empty set without any external call. Failures are isolated per
// toolkit; the load fails only when every toolkit failed, and then surfaces
// the first failure in toolkit order wrapped as ErrToolLoad.
func (l *Loader) Load(ctx context.Context, userID int64, toolkits []string) (ToolSet, error) {
	set := make(ToolSet)
	if len(toolkits) == 0 {
		return set, nil
	}

	results := make([]ToolSet, len(toolkits))
	errs := make([]error, len(toolkits))

	var wg sync.WaitGroup
	for i, toolkit := range toolkits {
		wg.Add(1)
		go func(i int, toolkit string) {
			defer wg.Done()
			listed, err := l.service.List(ctx, userID, toolkit, l.maxPerToolkit)
			if err != nil {
				errs[i] = err
				return
			}
			part := make(ToolSet, len(listed))
			for _, tool := range listed {
				part[tool.Name] = tool
			}
			results[i] = part
		}(i, toolkit)
	}
	wg.Wait()

	succeeded := 0
	var firstErr error
	for i, toolkit := range toolkits {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			l.logger.Warn("Failed to load toolkit",
				zap.Error(errs[i]),
				zap.Int64("user_id", userID),
				zap.String("toolkit", toolkit))
			continue
		}

		succeeded++
		// Name collisions across toolkits resolve last-write-wins.
		set.Merge(results[i])
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrToolLoad, firstErr)
	}

	l.logger.Debug("Loaded tools",
		zap.Int64("user_id", userID),
		zap.Int("toolkits_requested", len(toolkits)),
		zap.Int("toolkits_loaded", succeeded),
		zap.Int("tools", len(set)))

	return set, nil
}
