package deployment

import (
	"context"
	"time"
)

// Result describes a deployed application. It is built once after the
// application is registered and is not modified afterwards.
type Result struct {
	ID            string     `json:"id"`
	BaseURL       string     `json:"base_url"`
	PublishedPath string     `json:"published_path"`
	Parameters    Parameters `json:"parameters"`

	// HostShutdown is cancelled when the deployment is disposed.
	HostShutdown context.Context `json:"-"`
}

type EventType string

const (
	EventDeployed     EventType = "deployed"
	EventDeployFailed EventType = "failed"
	EventTornDown     EventType = "torn_down"
)

// Event is the lifecycle notification published for each deployment.
type Event struct {
	DeploymentID string    `json:"deployment_id"`
	Type         EventType `json:"type"`
	AppName      string    `json:"app_name"`
	BaseURL      string    `json:"base_url,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    string    `json:"time"`
}

func NewEvent(id string, typ EventType, appName string) Event {
	return Event{
		DeploymentID: id,
		Type:         typ,
		AppName:      appName,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}
