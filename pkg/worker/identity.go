package worker

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

const productUUIDPath = "/sys/class/dmi/id/product_uuid"

// Identity names this worker in life signals: the machine's product uuid when
// readable, otherwise the hostname with a random suffix.
func Identity() string {
	return identity(productUUIDPath, os.Hostname, uuid.NewString)
}

func identity(path string, hostname func() (string, error), newID func() string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return strings.ToLower(id)
		}
	}
	host, err := hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + newID()
}
