package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all parameters of a striped file lock client and the
// targets it talks to.
type ClientConfig struct {
	// Name identifies the client at the targets (lock owner)
	Name string

	// Target parameters
	Targets        int
	TargetCapacity int
	GrowToEOF      bool

	// Coordinator parameters
	Workers     int
	MaxLocks    int
	WeighPolicy string

	// Lock request parameters
	LockTimeoutMillis int
	LockRetries       int

	// Logging configuration
	LogLevel string
}

// DefaultClientConfig returns the configuration used when nothing is set.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:              "client",
		Targets:           4,
		TargetCapacity:    4096,
		Workers:           4,
		WeighPolicy:       "first",
		LockTimeoutMillis: 5000,
		LockRetries:       8,
		LogLevel:          "info",
	}
}

// LockTimeout returns the lock timeout as a duration, 0 means no timeout.
func (c *ClientConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// Validate checks the configuration for values the client cannot work with.
func (c *ClientConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("client name must not be empty")
	}
	if c.Targets < 1 {
		return fmt.Errorf("at least one target is required, got %d", c.Targets)
	}
	if c.Workers < 1 {
		return fmt.Errorf("at least one event worker is required, got %d", c.Workers)
	}
	if c.LockRetries < 1 {
		return fmt.Errorf("lock retries must be at least 1, got %d", c.LockRetries)
	}
	switch c.WeighPolicy {
	case "first", "sum":
	default:
		return fmt.Errorf("invalid weigh policy %q, must be first or sum", c.WeighPolicy)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client")
	addField("Name", c.Name)
	addField("Event Workers", strconv.Itoa(c.Workers))
	addField("Lock Timeout", fmt.Sprintf("%d ms", c.LockTimeoutMillis))
	addField("Lock Retries", strconv.Itoa(c.LockRetries))

	addSection("Targets")
	addField("Count", strconv.Itoa(c.Targets))
	addField("Grant Capacity", strconv.Itoa(c.TargetCapacity))
	addField("Grow To EOF", strconv.FormatBool(c.GrowToEOF))

	addSection("Coordinator")
	if c.MaxLocks > 0 {
		addField("Max Locks", strconv.Itoa(c.MaxLocks))
	} else {
		addField("Max Locks", "unlimited")
	}
	addField("Weigh Policy", c.WeighPolicy)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Simulation configuration struct
// --------------------------------------------------------------------------

// SimConfig describes a randomized workload against a set of striped files.
type SimConfig struct {
	// Files
	Files       int
	StripeCount uint32
	StripeSize  uint64
	FilePages   uint64

	// Load
	Clients    int
	Goroutines int
	Ops        int
	MaxPages   uint64
	WriteRatio float64
	FaultRatio float64
	Seed       int64
}

// DefaultSimConfig returns a small workload.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Files:       4,
		StripeCount: 4,
		StripeSize:  16,
		FilePages:   1024,
		Clients:     2,
		Goroutines:  4,
		Ops:         1000,
		MaxPages:    64,
		WriteRatio:  0.3,
		FaultRatio:  0.02,
		Seed:        1,
	}
}

// Validate checks the workload parameters.
func (c *SimConfig) Validate() error {
	switch {
	case c.Files < 1:
		return fmt.Errorf("at least one file is required")
	case c.StripeCount < 1 || c.StripeSize < 1:
		return fmt.Errorf("invalid layout %dx%d", c.StripeCount, c.StripeSize)
	case c.FilePages < 1 || c.MaxPages < 1:
		return fmt.Errorf("file and request sizes must be at least one page")
	case c.Clients < 1 || c.Goroutines < 1:
		return fmt.Errorf("at least one client and goroutine are required")
	case c.WriteRatio < 0 || c.WriteRatio > 1 || c.FaultRatio < 0 || c.FaultRatio > 1:
		return fmt.Errorf("ratios must be within [0, 1]")
	}
	return nil
}

// String returns a formatted string representation of the workload
func (c *SimConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Files")
	addField("Count", strconv.Itoa(c.Files))
	addField("Layout", fmt.Sprintf("%d stripes of %d pages", c.StripeCount, c.StripeSize))
	addField("Size", fmt.Sprintf("%d pages", c.FilePages))

	addSection("Workload")
	addField("Clients", strconv.Itoa(c.Clients))
	addField("Goroutines per Client", strconv.Itoa(c.Goroutines))
	addField("Operations", strconv.Itoa(c.Ops))
	addField("Max Request", fmt.Sprintf("%d pages", c.MaxPages))
	addField("Write Ratio", strconv.FormatFloat(c.WriteRatio, 'f', 2, 64))
	addField("Fault Ratio", strconv.FormatFloat(c.FaultRatio, 'f', 2, 64))
	addField("Seed", strconv.FormatInt(c.Seed, 10))

	return sb.String()
}
