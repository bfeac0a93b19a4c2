package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenPrintCore/internal/config"
	"github.com/KevinKickass/OpenPrintCore/internal/dispatch"
	"github.com/KevinKickass/OpenPrintCore/internal/job"
	"github.com/KevinKickass/OpenPrintCore/internal/presence"
	"github.com/KevinKickass/OpenPrintCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State         string `json:"state"`
	DeviceCount   int    `json:"device_count"`
	OnlineDevices int    `json:"online_devices"`
}

type LifecycleManager interface {
	Config() *config.Config
	Storage() storage.Store
	Dispatcher() *dispatch.Dispatcher
	Presence() *presence.Tracker
	Validator() *job.Validator
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
