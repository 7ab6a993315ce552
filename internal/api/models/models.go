package models

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Pool status models
type SlotData struct {
	Slot       int    `json:"slot" example:"0" doc:"Slot index within the pool"`
	State      string `json:"state" example:"available" doc:"Slot state: initializing, available, busy, or dead"`
	ReuseCount int    `json:"reuse_count" example:"3" doc:"Completions served by the current session"`
	Generation uint64 `json:"generation" example:"2" doc:"Recycle generation of the current session"`
}

type PoolData struct {
	Name     string     `json:"name" example:"completion" doc:"Pool name"`
	Degraded bool       `json:"degraded" example:"false" doc:"Whether the pool has stopped serving requests"`
	Slots    []SlotData `json:"slots" doc:"Per-slot session state"`
}

type StatusData struct {
	Role    string     `json:"role" example:"server" doc:"This process's attachment: server, client, or inactive"`
	PID     int        `json:"pid" example:"4242" doc:"Pool server process ID"`
	Version string     `json:"version" example:"1.2.0" doc:"Pool server build version"`
	Pools   []PoolData `json:"pools" doc:"Pool snapshots"`
}

type StatusResponse struct {
	Body StatusData
}

// Recycle models
type RecycleData struct {
	Pool    string `json:"pool" example:"completion" doc:"Pool that was recycled"`
	Message string `json:"message" example:"Recycle complete" doc:"Operation result"`
}

type RecycleResponse struct {
	Body RecycleData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}
