package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/graph"
)

const (
	// FollowCollection stores the account's follow records.
	FollowCollection = "app.bsky.graph.follow"

	// BlockCollection stores the account's block records.
	BlockCollection = "app.bsky.graph.block"

	listRecordsNSID         = "com.atproto.repo.listRecords"
	createRecordNSID        = "com.atproto.repo.createRecord"
	deleteRecordNSID        = "com.atproto.repo.deleteRecord"
	parameterRepo           = "repo"
	parameterCollection     = "collection"
	recordURIPrefix         = "at://"
	recordURISeparator      = "/"
	errMessageMalformedURI  = "malformed record uri"
	errMessageSelfTarget    = "refusing to target the authenticated account itself"
	errMessageLoadIndex     = "load record index"
	indexGroupKeySeparator  = "#"
	logMessageIndexLoaded   = "record index loaded"
	logMessageRecordCreated = "record created"
	logMessageRecordDeleted = "record deleted"
	logMessageRecordPresent = "record already present, skipping create"
	logMessageRecordAbsent  = "no record for subject, skipping delete"
	logFieldCollection      = "collection"
	logFieldSubject         = "subject"
	logFieldRecordKey       = "rkey"
	logFieldIndexedSubjects = "subjects"
)

var (
	errMalformedURI = errors.New(errMessageMalformedURI)

	// ErrSelfTarget indicates a write aimed at the account making it.
	ErrSelfTarget = errors.New(errMessageSelfTarget)
)

// recordIndex maps a subject DID to the keys of every record about it in one collection.
type recordIndex map[graph.Actor][]string

type subjectRecordValue struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type listedRecord struct {
	URI   string             `json:"uri"`
	CID   string             `json:"cid"`
	Value subjectRecordValue `json:"value"`
}

type listRecordsOutput struct {
	Cursor  string         `json:"cursor"`
	Records []listedRecord `json:"records"`
}

type subjectRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type createRecordInput struct {
	Repo       string        `json:"repo"`
	Collection string        `json:"collection"`
	Record     subjectRecord `json:"record"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type deleteRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RecordKey  string `json:"rkey"`
}

// Block creates a block record for actor unless one already exists.
func (client *Client) Block(ctx context.Context, actor graph.Actor) error {
	self := client.Self()
	if actor == self {
		return ErrSelfTarget
	}
	index, indexErr := client.loadRecordIndex(ctx, BlockCollection)
	if indexErr != nil {
		return indexErr
	}
	if len(index[actor]) > 0 {
		client.logger.Debug(logMessageRecordPresent, zap.String(logFieldCollection, BlockCollection), zap.String(logFieldSubject, actor.String()))
		return nil
	}

	if waitErr := client.writePacer.Wait(ctx); waitErr != nil {
		return waitErr
	}
	input := createRecordInput{
		Repo:       self.String(),
		Collection: BlockCollection,
		Record: subjectRecord{
			Type:      BlockCollection,
			Subject:   actor.String(),
			CreatedAt: client.now().UTC().Format(time.RFC3339Nano),
		},
	}
	var output createRecordOutput
	if callErr := client.procedure(ctx, createRecordNSID, input, &output); callErr != nil {
		return callErr
	}
	recordKey, parseErr := recordKeyFromURI(output.URI)
	if parseErr != nil {
		return parseErr
	}

	client.addRecordKey(BlockCollection, actor, recordKey)
	client.logger.Debug(logMessageRecordCreated,
		zap.String(logFieldCollection, BlockCollection),
		zap.String(logFieldSubject, actor.String()),
		zap.String(logFieldRecordKey, recordKey))
	return nil
}

// Unblock deletes every block record about actor. It is a no-op when there is none.
func (client *Client) Unblock(ctx context.Context, actor graph.Actor) error {
	return client.deleteSubjectRecords(ctx, BlockCollection, actor)
}

// Unfollow deletes every follow record about actor. It is a no-op when there is none.
func (client *Client) Unfollow(ctx context.Context, actor graph.Actor) error {
	return client.deleteSubjectRecords(ctx, FollowCollection, actor)
}

func (client *Client) deleteSubjectRecords(ctx context.Context, collection string, actor graph.Actor) error {
	self := client.Self()
	if actor == self {
		return ErrSelfTarget
	}
	index, indexErr := client.loadRecordIndex(ctx, collection)
	if indexErr != nil {
		return indexErr
	}
	recordKeys := index[actor]
	if len(recordKeys) == 0 {
		client.logger.Debug(logMessageRecordAbsent, zap.String(logFieldCollection, collection), zap.String(logFieldSubject, actor.String()))
		return nil
	}

	for _, recordKey := range recordKeys {
		if waitErr := client.writePacer.Wait(ctx); waitErr != nil {
			return waitErr
		}
		input := deleteRecordInput{Repo: self.String(), Collection: collection, RecordKey: recordKey}
		if callErr := client.procedure(ctx, deleteRecordNSID, input, nil); callErr != nil {
			return callErr
		}
		client.removeRecordKey(collection, actor, recordKey)
		client.logger.Debug(logMessageRecordDeleted,
			zap.String(logFieldCollection, collection),
			zap.String(logFieldSubject, actor.String()),
			zap.String(logFieldRecordKey, recordKey))
	}
	return nil
}

// loadRecordIndex returns a copy of the collection's index, listing the repository on first
// use after construction or a reset. Concurrent first callers share one listing.
func (client *Client) loadRecordIndex(ctx context.Context, collection string) (recordIndex, error) {
	client.recordMutex.Lock()
	index, loaded := client.recordIndexes[collection]
	if loaded {
		copied := index.clone()
		client.recordMutex.Unlock()
		return copied, nil
	}
	generation := client.recordGeneration
	client.recordMutex.Unlock()

	groupKey := collection + indexGroupKeySeparator + strconv.FormatUint(generation, 10)
	resultChannel := client.indexGroup.DoChan(groupKey, func() (interface{}, error) {
		listed, listErr := client.listRecords(ctx, collection)
		if listErr != nil {
			return nil, listErr
		}
		client.recordMutex.Lock()
		defer client.recordMutex.Unlock()
		if current, stored := client.recordIndexes[collection]; stored {
			return current.clone(), nil
		}
		if client.recordGeneration == generation {
			client.recordIndexes[collection] = listed
		}
		client.logger.Debug(logMessageIndexLoaded, zap.String(logFieldCollection, collection), zap.Int(logFieldIndexedSubjects, len(listed)))
		return listed.clone(), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return nil, fmt.Errorf("%s %s: %w", errMessageLoadIndex, collection, result.Err)
		}
		// Waiters share the result, so each gets its own copy.
		listed, _ := result.Val.(recordIndex)
		return listed.clone(), nil
	}
}

// ResetRecordIndexes forgets every listed collection so the next write lists the
// repository again. Records created or deleted outside this client become visible.
func (client *Client) ResetRecordIndexes() {
	client.recordMutex.Lock()
	defer client.recordMutex.Unlock()
	client.recordIndexes = make(map[string]recordIndex)
	client.recordGeneration++
}

func (index recordIndex) clone() recordIndex {
	copied := make(recordIndex, len(index))
	for subject, recordKeys := range index {
		copied[subject] = append([]string(nil), recordKeys...)
	}
	return copied
}

func (client *Client) listRecords(ctx context.Context, collection string) (recordIndex, error) {
	index := make(recordIndex)
	baseParameters := url.Values{
		parameterRepo:       {client.Self().String()},
		parameterCollection: {collection},
	}
	paginateErr := client.paginate(ctx, listRecordsNSID, baseParameters, func(parameters url.Values) (string, int, error) {
		var output listRecordsOutput
		if queryErr := client.query(ctx, listRecordsNSID, parameters, &output); queryErr != nil {
			return "", 0, queryErr
		}
		for _, record := range output.Records {
			subject := graph.ParseActor(record.Value.Subject)
			if subject.IsZero() {
				continue
			}
			recordKey, parseErr := recordKeyFromURI(record.URI)
			if parseErr != nil {
				return "", 0, parseErr
			}
			index[subject] = append(index[subject], recordKey)
		}
		return output.Cursor, len(output.Records), nil
	})
	if paginateErr != nil {
		return nil, paginateErr
	}
	return index, nil
}

func (client *Client) addRecordKey(collection string, subject graph.Actor, recordKey string) {
	client.recordMutex.Lock()
	defer client.recordMutex.Unlock()
	index, loaded := client.recordIndexes[collection]
	if !loaded {
		return
	}
	index[subject] = append(index[subject], recordKey)
}

func (client *Client) removeRecordKey(collection string, subject graph.Actor, recordKey string) {
	client.recordMutex.Lock()
	defer client.recordMutex.Unlock()
	index, loaded := client.recordIndexes[collection]
	if !loaded {
		return
	}
	remaining := index[subject][:0]
	for _, existing := range index[subject] {
		if existing != recordKey {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == 0 {
		delete(index, subject)
		return
	}
	index[subject] = remaining
}

// recordKeyFromURI extracts the rkey from at://<repo>/<collection>/<rkey>.
func recordKeyFromURI(recordURI string) (string, error) {
	trimmed := strings.TrimPrefix(recordURI, recordURIPrefix)
	segments := strings.Split(trimmed, recordURISeparator)
	if trimmed == recordURI || len(segments) != 3 || segments[2] == "" {
		return "", fmt.Errorf("%w: %q", errMalformedURI, recordURI)
	}
	return segments[2], nil
}
