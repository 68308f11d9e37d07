package bluesky_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	fakeAccessTokenFormat  = "access-%d"
	fakeRefreshTokenFormat = "refresh-%d"
	fakeRecordURIFormat    = "at://%s/%s/%s"
	fakeRecordKeyFormat    = "rk%d"
	fakeBearerPrefix       = "Bearer "
	fakeXRPCPrefix         = "/xrpc/"
)

type fakeRecord struct {
	recordKey string
	subject   string
}

// fakePDS serves the XRPC endpoints the client uses for a single account.
type fakePDS struct {
	t        *testing.T
	server   *httptest.Server
	mutex    sync.Mutex
	did      string
	handle   string
	password string

	follows []string
	blocks  []string
	records map[string][]fakeRecord

	tokenGeneration int
	expireNext      bool
	rejectRefresh   bool
	rateLimited     map[string]int
	serverErrors    map[string]int
	calls           map[string]int
	nextRecordKey   int
}

func newFakePDS(t *testing.T, did string, handle string, password string) *fakePDS {
	t.Helper()
	pds := &fakePDS{
		t:            t,
		did:          did,
		handle:       handle,
		password:     password,
		records:      make(map[string][]fakeRecord),
		rateLimited:  make(map[string]int),
		serverErrors: make(map[string]int),
		calls:        make(map[string]int),
	}
	pds.server = httptest.NewServer(http.HandlerFunc(pds.serveHTTP))
	t.Cleanup(pds.server.Close)
	return pds
}

func (pds *fakePDS) URL() string {
	return pds.server.URL
}

func (pds *fakePDS) addRecord(collection string, subject string) string {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	return pds.addRecordLocked(collection, subject)
}

func (pds *fakePDS) addRecordLocked(collection string, subject string) string {
	pds.nextRecordKey++
	recordKey := fmt.Sprintf(fakeRecordKeyFormat, pds.nextRecordKey)
	pds.records[collection] = append(pds.records[collection], fakeRecord{recordKey: recordKey, subject: subject})
	return recordKey
}

// removeRecords deletes every record about subject, as a change made in another app would.
func (pds *fakePDS) removeRecords(collection string, subject string) {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	remaining := pds.records[collection][:0]
	for _, record := range pds.records[collection] {
		if record.subject != subject {
			remaining = append(remaining, record)
		}
	}
	pds.records[collection] = remaining
}

func (pds *fakePDS) subjects(collection string) []string {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	var subjects []string
	for _, record := range pds.records[collection] {
		subjects = append(subjects, record.subject)
	}
	return subjects
}

func (pds *fakePDS) callCount(nsid string) int {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	return pds.calls[nsid]
}

func (pds *fakePDS) expireAccessToken() {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	pds.expireNext = true
}

func (pds *fakePDS) expireRefreshToken() {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	pds.expireNext = true
	pds.rejectRefresh = true
}

func (pds *fakePDS) failNext(nsid string, rateLimited int, serverErrors int) {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()
	pds.rateLimited[nsid] = rateLimited
	pds.serverErrors[nsid] = serverErrors
}

func (pds *fakePDS) serveHTTP(writer http.ResponseWriter, request *http.Request) {
	pds.mutex.Lock()
	defer pds.mutex.Unlock()

	nsid := strings.TrimPrefix(request.URL.Path, fakeXRPCPrefix)
	pds.calls[nsid]++

	if pds.rateLimited[nsid] > 0 {
		pds.rateLimited[nsid]--
		writer.Header().Set("Retry-After", "0")
		writeXRPCError(writer, http.StatusTooManyRequests, "RateLimitExceeded", "slow down")
		return
	}
	if pds.serverErrors[nsid] > 0 {
		pds.serverErrors[nsid]--
		writeXRPCError(writer, http.StatusBadGateway, "UpstreamFailure", "try again")
		return
	}

	switch nsid {
	case "com.atproto.server.createSession":
		pds.createSession(writer, request)
		return
	case "com.atproto.server.refreshSession":
		pds.refreshSession(writer, request)
		return
	}

	if !pds.authorized(writer, request) {
		return
	}

	switch nsid {
	case "app.bsky.graph.getFollows":
		if request.URL.Query().Get("actor") != pds.did {
			writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", "unexpected actor")
			return
		}
		pds.writeProfilePage(writer, request, "follows", pds.graphSubjects(pds.follows, "app.bsky.graph.follow"))
	case "app.bsky.graph.getBlocks":
		pds.writeProfilePage(writer, request, "blocks", pds.graphSubjects(pds.blocks, "app.bsky.graph.block"))
	case "com.atproto.repo.listRecords":
		pds.listRecords(writer, request)
	case "com.atproto.repo.createRecord":
		pds.createRecord(writer, request)
	case "com.atproto.repo.deleteRecord":
		pds.deleteRecord(writer, request)
	default:
		writeXRPCError(writer, http.StatusNotImplemented, "MethodNotImplemented", nsid)
	}
}

func (pds *fakePDS) createSession(writer http.ResponseWriter, request *http.Request) {
	var input struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if decodeErr := json.NewDecoder(request.Body).Decode(&input); decodeErr != nil {
		writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", decodeErr.Error())
		return
	}
	if (input.Identifier != pds.handle && input.Identifier != pds.did) || input.Password != pds.password {
		writeXRPCError(writer, http.StatusUnauthorized, "AuthenticationRequired", "Invalid identifier or password")
		return
	}
	pds.tokenGeneration++
	pds.writeSession(writer)
}

func (pds *fakePDS) refreshSession(writer http.ResponseWriter, request *http.Request) {
	expected := fakeBearerPrefix + fmt.Sprintf(fakeRefreshTokenFormat, pds.tokenGeneration)
	if pds.rejectRefresh || request.Header.Get("Authorization") != expected {
		pds.rejectRefresh = false
		writeXRPCError(writer, http.StatusBadRequest, "ExpiredToken", "refresh token expired")
		return
	}
	pds.tokenGeneration++
	pds.writeSession(writer)
}

func (pds *fakePDS) writeSession(writer http.ResponseWriter) {
	writeJSON(writer, map[string]string{
		"did":        pds.did,
		"handle":     pds.handle,
		"accessJwt":  fmt.Sprintf(fakeAccessTokenFormat, pds.tokenGeneration),
		"refreshJwt": fmt.Sprintf(fakeRefreshTokenFormat, pds.tokenGeneration),
	})
}

func (pds *fakePDS) authorized(writer http.ResponseWriter, request *http.Request) bool {
	expected := fakeBearerPrefix + fmt.Sprintf(fakeAccessTokenFormat, pds.tokenGeneration)
	if pds.expireNext || request.Header.Get("Authorization") != expected {
		pds.expireNext = false
		writeXRPCError(writer, http.StatusBadRequest, "ExpiredToken", "Token has expired")
		return false
	}
	return true
}

// graphSubjects merges a seeded listing with the subjects of the account's records.
func (pds *fakePDS) graphSubjects(seeded []string, collection string) []string {
	seen := make(map[string]struct{}, len(seeded))
	subjects := make([]string, 0, len(seeded))
	for _, subject := range seeded {
		seen[subject] = struct{}{}
		subjects = append(subjects, subject)
	}
	for _, record := range pds.records[collection] {
		if _, duplicate := seen[record.subject]; duplicate {
			continue
		}
		seen[record.subject] = struct{}{}
		subjects = append(subjects, record.subject)
	}
	return subjects
}

func (pds *fakePDS) page(request *http.Request, total int) (int, int, string) {
	limit, limitErr := strconv.Atoi(request.URL.Query().Get("limit"))
	if limitErr != nil || limit <= 0 {
		pds.t.Errorf("missing or invalid limit parameter %q", request.URL.Query().Get("limit"))
		limit = total
	}
	start := 0
	if cursor := request.URL.Query().Get("cursor"); cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + limit
	if end >= total {
		return start, total, ""
	}
	return start, end, strconv.Itoa(end)
}

func (pds *fakePDS) writeProfilePage(writer http.ResponseWriter, request *http.Request, key string, dids []string) {
	start, end, cursor := pds.page(request, len(dids))
	profiles := make([]map[string]string, 0, end-start)
	for _, did := range dids[start:end] {
		profiles = append(profiles, map[string]string{"did": did, "handle": did + ".test"})
	}
	body := map[string]any{key: profiles}
	if cursor != "" {
		body["cursor"] = cursor
	}
	writeJSON(writer, body)
}

func (pds *fakePDS) listRecords(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	if query.Get("repo") != pds.did {
		writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", "unexpected repo")
		return
	}
	collection := query.Get("collection")
	records := pds.records[collection]
	start, end, cursor := pds.page(request, len(records))
	listed := make([]map[string]any, 0, end-start)
	for _, record := range records[start:end] {
		listed = append(listed, map[string]any{
			"uri":   fmt.Sprintf(fakeRecordURIFormat, pds.did, collection, record.recordKey),
			"cid":   "bafy" + record.recordKey,
			"value": map[string]string{"$type": collection, "subject": record.subject, "createdAt": "2024-01-01T00:00:00Z"},
		})
	}
	body := map[string]any{"records": listed}
	if cursor != "" {
		body["cursor"] = cursor
	}
	writeJSON(writer, body)
}

func (pds *fakePDS) createRecord(writer http.ResponseWriter, request *http.Request) {
	var input struct {
		Repo       string `json:"repo"`
		Collection string `json:"collection"`
		Record     struct {
			Type      string `json:"$type"`
			Subject   string `json:"subject"`
			CreatedAt string `json:"createdAt"`
		} `json:"record"`
	}
	if decodeErr := json.NewDecoder(request.Body).Decode(&input); decodeErr != nil {
		writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", decodeErr.Error())
		return
	}
	if input.Repo != pds.did || input.Record.Type != input.Collection || input.Record.CreatedAt == "" {
		writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", "malformed record")
		return
	}
	recordKey := pds.addRecordLocked(input.Collection, input.Record.Subject)
	writeJSON(writer, map[string]string{
		"uri": fmt.Sprintf(fakeRecordURIFormat, pds.did, input.Collection, recordKey),
		"cid": "bafy" + recordKey,
	})
}

func (pds *fakePDS) deleteRecord(writer http.ResponseWriter, request *http.Request) {
	var input struct {
		Repo       string `json:"repo"`
		Collection string `json:"collection"`
		RecordKey  string `json:"rkey"`
	}
	if decodeErr := json.NewDecoder(request.Body).Decode(&input); decodeErr != nil {
		writeXRPCError(writer, http.StatusBadRequest, "InvalidRequest", decodeErr.Error())
		return
	}
	remaining := pds.records[input.Collection][:0]
	for _, record := range pds.records[input.Collection] {
		if record.recordKey != input.RecordKey {
			remaining = append(remaining, record)
		}
	}
	pds.records[input.Collection] = remaining
	writeJSON(writer, map[string]string{})
}

func writeJSON(writer http.ResponseWriter, body any) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(body)
}

func writeXRPCError(writer http.ResponseWriter, statusCode int, name string, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(map[string]string{"error": name, "message": message})
}
