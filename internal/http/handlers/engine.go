package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/scalerd/internal/scaler"
)

// EngineRegistry looks up engines. *scaler.Device implements it.
type EngineRegistry interface {
	EngineLister
	Engine(id int) (*scaler.Engine, error)
}

// EngineHandler handles engine inspection endpoints.
type EngineHandler struct {
	registry EngineRegistry
}

// NewEngineHandler creates a new engine handler.
func NewEngineHandler(registry EngineRegistry) *EngineHandler {
	return &EngineHandler{registry: registry}
}

// Register registers the engine routes with the API.
func (h *EngineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listEngines",
		Method:      "GET",
		Path:        "/api/v1/engines",
		Summary:     "List engines",
		Description: "Returns every scaler engine with its backend, capabilities and statistics",
		Tags:        []string{"Engines"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getEngine",
		Method:      "GET",
		Path:        "/api/v1/engines/{id}",
		Summary:     "Get engine",
		Description: "Returns one scaler engine by id",
		Tags:        []string{"Engines"},
	}, h.Get)
}

// ListEnginesInput is the input for listing engines.
type ListEnginesInput struct{}

// ListEnginesOutput is the output for listing engines.
type ListEnginesOutput struct {
	Body EngineListResponse
}

// List returns all engines ordered by id.
func (h *EngineHandler) List(ctx context.Context, input *ListEnginesInput) (*ListEnginesOutput, error) {
	engines := h.registry.Engines()

	resp := &ListEnginesOutput{}
	resp.Body.Items = make([]EngineResponse, 0, len(engines))
	for _, e := range engines {
		resp.Body.Items = append(resp.Body.Items, EngineFromScaler(e))
	}
	resp.Body.Total = len(engines)

	return resp, nil
}

// GetEngineInput is the input for getting an engine.
type GetEngineInput struct {
	ID int `path:"id" minimum:"0" doc:"Engine id"`
}

// GetEngineOutput is the output for getting an engine.
type GetEngineOutput struct {
	Body EngineResponse
}

// Get returns one engine.
func (h *EngineHandler) Get(ctx context.Context, input *GetEngineInput) (*GetEngineOutput, error) {
	e, err := h.registry.Engine(input.ID)
	if err != nil {
		if errors.Is(err, scaler.ErrInvalidArgument) {
			return nil, huma.Error404NotFound(fmt.Sprintf("engine %d not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to get engine", err)
	}
	return &GetEngineOutput{Body: EngineFromScaler(e)}, nil
}
