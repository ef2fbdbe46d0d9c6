package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 3)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}

	if h.Queue != nil {
		depth, err := h.Queue.Depth(ctx)
		if err == nil && h.Metrics != nil {
			h.Metrics.SetQueueDepth(int(depth))
		}
		components = append(components, recordComponent("queue", err))
	}

	if h.Sessions != nil {
		components = append(components, recordComponent("sessions", h.Sessions.Ping(ctx)))
	}

	return components, overallStatus, statusCode
}
