package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Seed registers every agent in the JSON file at path. Agents that already
// exist are left untouched. It returns the number of agents created.
func Seed(ctx context.Context, reg AgentRegistry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read agents file: %w", err)
	}

	var reqs []*CreateAgentRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return 0, fmt.Errorf("parse agents file: %w", err)
	}

	created := 0
	for _, req := range reqs {
		if _, err := reg.Create(ctx, req); err != nil {
			if errors.Is(err, ErrAgentExists) {
				continue
			}
			return created, fmt.Errorf("register %s: %w", req.ID, err)
		}
		created++
	}
	return created, nil
}
