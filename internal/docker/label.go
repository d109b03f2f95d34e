package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Label keys set on every worker container. The host keeps no state file;
// labels are how it finds its own containers again (see ReapStale).
const (
	// LabelPrefix namespaces the host's labels.
	LabelPrefix = "sidecar-host."

	// LabelManagedBy marks containers started by this binary.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID holds the launch's run ID.
	LabelRunID = LabelPrefix + "run-id"

	// LabelPort holds the port the worker was told to bind.
	LabelPort = LabelPrefix + "port"

	// LabelHostPID holds the PID of the host process that started the
	// worker.
	LabelHostPID = LabelPrefix + "host-pid"

	// LabelCreatedAt holds the RFC3339 launch time.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "sidecar-host"

// WorkerLabels describes one worker container.
type WorkerLabels struct {
	RunID     string
	Port      model.Port
	HostPID   int
	CreatedAt time.Time
}

// BuildLabels returns the label map for a worker container.
func BuildLabels(w WorkerLabels) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     w.RunID,
		LabelPort:      w.Port.String(),
		LabelHostPID:   strconv.Itoa(w.HostPID),
		LabelCreatedAt: w.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels is the inverse of BuildLabels. All keys are required and
// LabelManagedBy must carry ManagedByValue.
func ParseLabels(labels map[string]string) (WorkerLabels, error) {
	required := []string{LabelManagedBy, LabelRunID, LabelPort, LabelHostPID, LabelCreatedAt}

	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return WorkerLabels{}, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return WorkerLabels{}, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	port, err := model.ParsePort(labels[LabelPort])
	if err != nil {
		return WorkerLabels{}, fmt.Errorf("invalid label %s: %w", LabelPort, err)
	}

	pid, err := strconv.Atoi(labels[LabelHostPID])
	if err != nil {
		return WorkerLabels{}, fmt.Errorf("invalid label %s: %w", LabelHostPID, err)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return WorkerLabels{}, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return WorkerLabels{
		RunID:     labels[LabelRunID],
		Port:      port,
		HostPID:   pid,
		CreatedAt: createdAt,
	}, nil
}

// FilterLabels returns the label selector matching managed containers.
func FilterLabels() map[string]string {
	return map[string]string{LabelManagedBy: ManagedByValue}
}

// ContainerName returns the container name for a run ID.
func ContainerName(runID string) string {
	return "sidecar-host-worker-" + runID
}
