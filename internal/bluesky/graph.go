package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/graph"
)

const (
	getFollowsNSID           = "app.bsky.graph.getFollows"
	getBlocksNSID            = "app.bsky.graph.getBlocks"
	parameterActor           = "actor"
	parameterLimit           = "limit"
	parameterCursor          = "cursor"
	errMessageRepeatedCursor = "server repeated a pagination cursor"
	logMessagePageFetched    = "page fetched"
	logFieldNSID             = "nsid"
	logFieldPage             = "page"
	logFieldCount            = "count"
)

var errRepeatedCursor = errors.New(errMessageRepeatedCursor)

type profileView struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type followsOutput struct {
	Cursor  string        `json:"cursor"`
	Follows []profileView `json:"follows"`
}

type blocksOutput struct {
	Cursor string        `json:"cursor"`
	Blocks []profileView `json:"blocks"`
}

// Follows returns every account the authenticated account follows.
func (client *Client) Follows(ctx context.Context) (graph.ActorSet, error) {
	self := client.Self()
	var actors []graph.Actor
	paginateErr := client.paginate(ctx, getFollowsNSID, url.Values{parameterActor: {self.String()}}, func(parameters url.Values) (string, int, error) {
		var output followsOutput
		if queryErr := client.query(ctx, getFollowsNSID, parameters, &output); queryErr != nil {
			return "", 0, queryErr
		}
		actors = appendProfiles(actors, output.Follows)
		return output.Cursor, len(output.Follows), nil
	})
	if paginateErr != nil {
		return graph.ActorSet{}, paginateErr
	}
	return graph.NewActorSet(actors...).Without(self), nil
}

// Blocks returns every account the authenticated account blocks.
func (client *Client) Blocks(ctx context.Context) (graph.ActorSet, error) {
	var actors []graph.Actor
	paginateErr := client.paginate(ctx, getBlocksNSID, url.Values{}, func(parameters url.Values) (string, int, error) {
		var output blocksOutput
		if queryErr := client.query(ctx, getBlocksNSID, parameters, &output); queryErr != nil {
			return "", 0, queryErr
		}
		actors = appendProfiles(actors, output.Blocks)
		return output.Cursor, len(output.Blocks), nil
	})
	if paginateErr != nil {
		return graph.ActorSet{}, paginateErr
	}
	return graph.NewActorSet(actors...).Without(client.Self()), nil
}

type pageFetcher func(parameters url.Values) (nextCursor string, count int, err error)

// paginate calls fetchPage with an increasing cursor until the server stops returning one.
func (client *Client) paginate(ctx context.Context, nsid string, baseParameters url.Values, fetchPage pageFetcher) error {
	if _, sessionErr := client.currentSession(); sessionErr != nil {
		return sessionErr
	}

	seenCursors := make(map[string]struct{})
	cursor := ""
	for pageIndex := 1; ; pageIndex++ {
		if contextErr := ctx.Err(); contextErr != nil {
			return contextErr
		}

		parameters := url.Values{}
		for key, values := range baseParameters {
			parameters[key] = append([]string(nil), values...)
		}
		parameters.Set(parameterLimit, strconv.Itoa(client.pageLimit))
		if cursor != "" {
			parameters.Set(parameterCursor, cursor)
		}

		nextCursor, count, fetchErr := fetchPage(parameters)
		if fetchErr != nil {
			return fetchErr
		}
		client.logger.Debug(logMessagePageFetched,
			zap.String(logFieldNSID, nsid),
			zap.Int(logFieldPage, pageIndex),
			zap.Int(logFieldCount, count))

		if nextCursor == "" {
			return nil
		}
		if _, seen := seenCursors[nextCursor]; seen {
			return fmt.Errorf("%w: %s", errRepeatedCursor, nsid)
		}
		seenCursors[nextCursor] = struct{}{}
		cursor = nextCursor
	}
}

func appendProfiles(actors []graph.Actor, profiles []profileView) []graph.Actor {
	for _, profile := range profiles {
		actors = append(actors, graph.ParseActor(profile.DID))
	}
	return actors
}
