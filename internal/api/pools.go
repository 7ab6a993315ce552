package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/llmpool/internal/api/models"
	"github.com/smazurov/llmpool/internal/protocol"
)

// registerPoolRoutes registers the pool status and recycle endpoints.
func (s *Server) registerPoolRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Pool Status",
		Description: "Snapshot of every pool and slot, plus this process's attachment role",
		Tags:        []string{"pools"},
		Errors:      []int{401, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.StatusResponse, error) {
		st, err := s.pools.Status()
		if err != nil {
			return nil, huma.Error503ServiceUnavailable(err.Error())
		}
		return &models.StatusResponse{
			Body: statusToAPI(string(s.pools.Role()), st),
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "recycle-pool",
		Method:      http.MethodPost,
		Path:        "/api/pools/{pool}/recycle",
		Summary:     "Recycle Pool",
		Description: "Tear down every session in the named pool and spawn replacements",
		Tags:        []string{"pools"},
		Errors:      []int{401, 404, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		Pool string `path:"pool" example:"completion" doc:"Pool name, or 'all' for every pool"`
	}) (*models.RecycleResponse, error) {
		name := input.Pool
		switch name {
		case "all":
			name = ""
		case protocol.PoolCompletion, protocol.PoolCommand:
		default:
			return nil, huma.Error404NotFound("unknown pool: " + input.Pool)
		}
		if err := s.pools.Recycle(name); err != nil {
			return nil, huma.Error503ServiceUnavailable(err.Error())
		}
		return &models.RecycleResponse{
			Body: models.RecycleData{
				Pool:    input.Pool,
				Message: "Recycle complete",
			},
		}, nil
	})
}

// statusToAPI converts a status snapshot into the API model.
func statusToAPI(role string, st *protocol.Status) models.StatusData {
	data := models.StatusData{
		Role:    role,
		PID:     st.PID,
		Version: st.Version,
		Pools:   make([]models.PoolData, 0, len(st.Pools)),
	}
	for _, p := range st.Pools {
		pd := models.PoolData{
			Name:     p.Name,
			Degraded: p.Degraded,
			Slots:    make([]models.SlotData, 0, len(p.Slots)),
		}
		for _, sl := range p.Slots {
			pd.Slots = append(pd.Slots, models.SlotData{
				Slot:       sl.Slot,
				State:      string(sl.State),
				ReuseCount: sl.ReuseCount,
				Generation: sl.Generation,
			})
		}
		data.Pools = append(data.Pools, pd)
	}
	return data
}
