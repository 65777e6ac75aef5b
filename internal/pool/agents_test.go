package pool

import (
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/google/uuid"
)

func seedRegistryAgent(r *AgentRegistry, deviceID string) {
	r.Put(&models.Agent{
		DeviceID:   deviceID,
		UserID:     uuid.NewString(),
		Status:     "idle",
		LastUpdate: time.Now().UTC(),
	})
}
