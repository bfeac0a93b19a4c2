package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/gin-gonic/gin"
)

func (s *Server) deviceResponse(device *types.Device) gin.H {
	presence := types.PresenceOffline
	if s.lm.Presence().IsOnline(device.ID) {
		presence = types.PresenceOnline
	}

	resp := gin.H{
		"id":       device.ID,
		"name":     device.Name,
		"presence": presence,
		"enabled":  device.Enabled,
	}
	if device.LastSeenAt != nil {
		resp["last_seen_at"] = device.LastSeenAt
	}
	if device.ActiveJobID != nil {
		resp["active_job_id"] = device.ActiveJobID
	}
	if device.DirectAddress != "" {
		resp["direct_address"] = device.DirectAddress
	}
	return resp
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.lm.Storage().ListDevices(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		response = append(response, s.deviceResponse(device))
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	device, err := s.lm.Storage().GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.deviceResponse(device))
}

// GET /api/v1/devices/:id/queue
func (s *Server) getDeviceQueue(c *gin.Context) {
	deviceID := c.Param("id")

	if _, err := s.lm.Storage().GetDevice(c.Request.Context(), deviceID); err != nil {
		s.respondError(c, err)
		return
	}

	states := []types.JobState{types.JobStateQueued, types.JobStatePending, types.JobStateProcessing}
	jobs, err := s.lm.Storage().ListJobs(c.Request.Context(), deviceID, states, 200, 0)
	if err != nil {
		s.respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		response = append(response, jobResponse(j))
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"jobs":      response,
		"count":     len(response),
	})
}

// POST /api/v1/devices/:id/enable
func (s *Server) enableDevice(c *gin.Context) {
	s.setDeviceEnabled(c, true)
}

// POST /api/v1/devices/:id/disable
func (s *Server) disableDevice(c *gin.Context) {
	s.setDeviceEnabled(c, false)
}

// Disabling stops new dispatches only, queued jobs stay put.
func (s *Server) setDeviceEnabled(c *gin.Context, enabled bool) {
	deviceID := c.Param("id")

	if err := s.lm.Storage().SetDeviceEnabled(c.Request.Context(), deviceID, enabled); err != nil {
		s.respondError(c, err)
		return
	}

	device, err := s.lm.Storage().GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.deviceResponse(device))
}
