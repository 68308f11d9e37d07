// Package server exposes plan previews and sync runs over HTTP.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	healthRoutePath        = "/healthz"
	planRoutePath          = "/api/plan"
	syncRoutePath          = "/api/sync"
	syncTaskRoutePath      = "/api/sync/:id"
	syncTaskIDParameter    = "id"
	errorKey               = "error"
	taskIDKey              = "taskId"
	healthStatusKey        = "status"
	healthStatusOK         = "ok"
	errorMessageTaskLookup = "sync task not found"
	logMessagePlanFailure  = "plan preview failure"
	ginModeRelease         = "release"
)

// RouterConfig configures the HTTP routing for plan and sync requests.
type RouterConfig struct {
	Service *SyncService
	Logger  *zap.Logger
}

// NewRouter constructs a Gin engine configured with the plan, sync and health handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Service == nil {
		return nil, ErrMissingRunner
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := syncHandler{service: configuration.Service, logger: logger}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(planRoutePath, handler.previewPlan)
	engine.POST(syncRoutePath, handler.startSync)
	engine.GET(syncTaskRoutePath, handler.syncStatus)

	return engine, nil
}

// planResponse is the JSON body of a plan preview.
type planResponse struct {
	RunID           string             `json:"runId"`
	Primary         graph.Actor        `json:"primary"`
	Secondary       graph.Actor        `json:"secondary"`
	FollowConflicts []graph.Actor      `json:"followConflicts"`
	BlockConflicts  []graph.Actor      `json:"blockConflicts"`
	Actions         []reconcile.Action `json:"actions"`
}

type syncHandler struct {
	service *SyncService
	logger  *zap.Logger
}

func (handler syncHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler syncHandler) previewPlan(ginContext *gin.Context) {
	result, err := handler.service.Preview(ginContext.Request.Context())
	if err != nil {
		handler.logger.Error(logMessagePlanFailure, zap.Error(err))
		ginContext.JSON(http.StatusBadGateway, map[string]string{errorKey: err.Error()})
		return
	}
	ginContext.JSON(http.StatusOK, planResponse{
		RunID:           result.RunID,
		Primary:         result.Snapshot.PrimaryID,
		Secondary:       result.Snapshot.SecondaryID,
		FollowConflicts: nonNilActors(result.Analysis.FollowConflict.Sorted()),
		BlockConflicts:  nonNilActors(result.Analysis.BlockConflict.Sorted()),
		Actions:         nonNilActions(result.Plan.Actions),
	})
}

func (handler syncHandler) startSync(ginContext *gin.Context) {
	snapshot, err := handler.service.Start()
	if errors.Is(err, ErrSyncInProgress) {
		ginContext.JSON(http.StatusConflict, map[string]string{errorKey: err.Error(), taskIDKey: snapshot.Identifier})
		return
	}
	ginContext.JSON(http.StatusAccepted, map[string]string{taskIDKey: snapshot.Identifier})
}

func (handler syncHandler) syncStatus(ginContext *gin.Context) {
	snapshot, exists := handler.service.Task(ginContext.Param(syncTaskIDParameter))
	if !exists {
		ginContext.JSON(http.StatusNotFound, map[string]string{errorKey: errorMessageTaskLookup})
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func nonNilActors(actors []graph.Actor) []graph.Actor {
	if actors == nil {
		return []graph.Actor{}
	}
	return actors
}

func nonNilActions(actions []reconcile.Action) []reconcile.Action {
	if actions == nil {
		return []reconcile.Action{}
	}
	return actions
}
