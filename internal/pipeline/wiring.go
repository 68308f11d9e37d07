package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/bluesky"
	"github.com/f-sync/blocksync/internal/config"
	"github.com/f-sync/blocksync/internal/graph"
)

const errMessageCreateClient = "create bluesky client"

// NewBlueskyRunner builds a Runner that talks to the configured PDS with one client per
// account. The clients share settings but never sessions.
func NewBlueskyRunner(configuration config.Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := make(map[graph.AccountRole]*bluesky.Client, len(graph.Roles()))
	for _, role := range graph.Roles() {
		clientConfig := configuration.ClientConfig()
		clientConfig.Logger = logger.With(zap.Stringer(logFieldRole, role))
		client, err := bluesky.NewClient(clientConfig)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageCreateClient, err)
		}
		clients[role] = client
	}

	accountGateway := bluesky.NewGateway(clients[graph.RolePrimary], clients[graph.RoleSecondary])
	return NewRunner(Config{
		Gateway:              accountGateway,
		Authenticator:        accountGateway,
		PrimaryCredentials:   configuration.Primary,
		SecondaryCredentials: configuration.Secondary,
		MaxConcurrent:        configuration.MaxConcurrent,
		Logger:               logger,
	})
}
