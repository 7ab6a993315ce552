package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/llmpool/internal/api/models"
	"github.com/smazurov/llmpool/internal/updater"
	"github.com/smazurov/llmpool/internal/version"
)

// updateOp builds the operation skeleton shared by the update endpoints.
func updateOp(id, method, path, summary, desc string, errs ...int) huma.Operation {
	op := huma.Operation{
		OperationID: id,
		Method:      method,
		Path:        path,
		Summary:     summary,
		Description: desc,
		Tags:        []string{"update"},
		Security:    withAuth(),
	}
	if len(errs) > 0 {
		op.Errors = errs
	}
	return op
}

func ackResponse(msg string) *models.UpdateActionResponse {
	return &models.UpdateActionResponse{Body: models.UpdateActionData{Message: msg}}
}

// registerUpdateRoutes wires the self-update endpoints. The version route is
// always present; the rest require a configured update service.
func (s *Server) registerUpdateRoutes() {
	// Version stays open so probes and the CLI can identify a server
	// before authenticating.
	versionOp := updateOp("get-version", http.MethodGet, "/api/update/version",
		"Version", "Report the running server's build information")
	versionOp.Security = []map[string][]string{}
	huma.Register(s.api, versionOp, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		build := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   build.Version,
				GitCommit: build.GitCommit,
				BuildDate: build.BuildDate,
				BuildID:   build.BuildID,
				GoVersion: build.GoVersion,
				Compiler:  build.Compiler,
				Platform:  build.Platform,
			},
		}, nil
	})

	svc := s.options.UpdateService
	if svc == nil {
		return
	}
	if !svc.IsEnabled() {
		s.registerDisabledUpdateRoutes(svc.DisabledReason())
		return
	}

	huma.Register(s.api, updateOp("check-updates", http.MethodGet, "/api/update/check",
		"Check for Updates",
		"Ask the release feed whether a newer build is published, without downloading anything",
		401, 409, 500),
		func(ctx context.Context, _ *struct{}) (*models.UpdateCheckResponse, error) {
			info, err := svc.CheckForUpdate(ctx)
			if err != nil {
				return nil, mapUpdateError(err)
			}
			return &models.UpdateCheckResponse{
				Body: models.UpdateCheckData{
					CurrentVersion:  info.CurrentVersion,
					LatestVersion:   info.LatestVersion,
					ReleaseNotes:    info.ReleaseNotes,
					ReleaseURL:      info.ReleaseURL,
					PublishedAt:     info.PublishedAt,
					AssetSize:       info.AssetSize,
					UpdateAvailable: info.UpdateAvailable,
				},
			}, nil
		})

	huma.Register(s.api, updateOp("get-update-status", http.MethodGet, "/api/update/status",
		"Get Update Status",
		"Report the updater's state, download progress, and rollback availability",
		401, 500),
		func(ctx context.Context, _ *struct{}) (*models.UpdateStatusResponse, error) {
			st := svc.GetStatus(ctx)
			return &models.UpdateStatusResponse{
				Body: models.UpdateStatusData{
					State:           string(st.State),
					CurrentVersion:  st.CurrentVersion,
					TargetVersion:   st.TargetVersion,
					Progress:        st.Progress,
					Error:           st.Error,
					LastChecked:     st.LastChecked,
					BackupAvailable: st.BackupAvailable,
					BackupVersion:   st.BackupVersion,
				},
			}, nil
		})

	huma.Register(s.api, updateOp("apply-update", http.MethodPost, "/api/update/apply",
		"Apply Update",
		"Download the published build, swap the binary, and restart. In-flight completions are dropped when the server goes down.",
		400, 401, 409, 500),
		func(ctx context.Context, _ *struct{}) (*models.UpdateActionResponse, error) {
			if err := svc.ApplyUpdate(ctx); err != nil {
				return nil, mapUpdateError(err)
			}
			return ackResponse("update staged, restarting"), nil
		})

	huma.Register(s.api, updateOp("rollback-update", http.MethodPost, "/api/update/rollback",
		"Rollback Update",
		"Reinstall the backed up previous binary and restart",
		400, 401, 404, 500),
		func(ctx context.Context, _ *struct{}) (*models.UpdateActionResponse, error) {
			if err := svc.Rollback(ctx); err != nil {
				return nil, mapUpdateError(err)
			}
			return ackResponse("rollback complete, restarting"), nil
		})

	huma.Register(s.api, updateOp("restart-service", http.MethodPost, "/api/update/restart",
		"Restart Service",
		"Restart the server process without changing the binary",
		401, 500),
		func(ctx context.Context, _ *struct{}) (*models.UpdateActionResponse, error) {
			if err := svc.Restart(ctx); err != nil {
				return nil, mapUpdateError(err)
			}
			return ackResponse("restarting"), nil
		})
}

// registerDisabledUpdateRoutes answers the update routes with 503 so callers
// learn why self-update is off instead of hitting a 404.
func (s *Server) registerDisabledUpdateRoutes(reason string) {
	handler := func(_ context.Context, _ *struct{}) (*struct{}, error) {
		return nil, huma.Error503ServiceUnavailable("Update service disabled: " + reason)
	}
	routes := []struct {
		id      string
		method  string
		path    string
		summary string
	}{
		{"check-updates", http.MethodGet, "/api/update/check", "Check for Updates"},
		{"get-update-status", http.MethodGet, "/api/update/status", "Get Update Status"},
		{"apply-update", http.MethodPost, "/api/update/apply", "Apply Update"},
		{"rollback-update", http.MethodPost, "/api/update/rollback", "Rollback Update"},
	}
	for _, r := range routes {
		huma.Register(s.api, updateOp(r.id, r.method, r.path, r.summary,
			"Unavailable while self-update is disabled", 503), handler)
	}
}

// mapUpdateError translates updater error codes into HTTP status errors.
func mapUpdateError(err error) error {
	var uerr *updater.Error
	if !errors.As(err, &uerr) {
		return huma.Error500InternalServerError(err.Error())
	}
	switch uerr.Code {
	case updater.ErrCodeInvalidState:
		return huma.Error409Conflict(uerr.Message)
	case updater.ErrCodeNoUpdate:
		return huma.Error400BadRequest(uerr.Message)
	case updater.ErrCodeNotFound, updater.ErrCodeNoBackup:
		return huma.Error404NotFound(uerr.Message)
	case updater.ErrCodeDisabled:
		return huma.Error503ServiceUnavailable(uerr.Message)
	default:
		return huma.Error500InternalServerError(uerr.Message)
	}
}
