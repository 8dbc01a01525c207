package worker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// DefaultWorkerID returns host-pid-suffix, unique per process.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
