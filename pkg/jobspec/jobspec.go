// Package jobspec maps a segmentation method and its parameters to the
// external command that runs it. It performs no I/O.
package jobspec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidParameters indicates an unsupported method, task, tier or device.
var ErrInvalidParameters = errors.New("jobspec: invalid parameters")

// Quality is the Skellytour model tier.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Device is the compute device Skellytour runs on.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Method names as accepted by ParseMethod.
const (
	MethodSkellytour       = "skellytour"
	MethodTotalSegmentator = "totalsegmentator"
)

// ParseQuality validates a quality tier name.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	}
	return "", fmt.Errorf("%w: quality %q (want low, medium or high)", ErrInvalidParameters, s)
}

// ParseDevice validates a device name.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceGPU, DeviceCPU:
		return d, nil
	}
	return "", fmt.Errorf("%w: device %q (want gpu or cpu)", ErrInvalidParameters, s)
}

// Method is a segmentation method with its parameters. The set of
// implementations is closed: Skellytour and TotalSegmentator.
type Method interface {
	// Name returns the display name of the tool.
	Name() string
	// Validate checks the parameters without building an invocation.
	Validate() error

	isMethod()
}

// Skellytour segments bones with a quality tier on a device.
type Skellytour struct {
	Quality Quality
	Device  Device
}

func (Skellytour) Name() string { return "Skellytour" }
func (Skellytour) isMethod()    {}

// Validate implements Method.
func (m Skellytour) Validate() error {
	switch m.Quality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		return fmt.Errorf("%w: quality %q (want low, medium or high)", ErrInvalidParameters, m.Quality)
	}
	switch m.Device {
	case DeviceGPU, DeviceCPU:
	default:
		return fmt.Errorf("%w: device %q (want gpu or cpu)", ErrInvalidParameters, m.Device)
	}
	return nil
}

func (m Skellytour) String() string {
	return fmt.Sprintf("Skellytour(quality=%s, device=%s)", m.Quality, m.Device)
}

// TotalSegmentator segments the structures of one catalog task.
type TotalSegmentator struct {
	Task string
}

func (TotalSegmentator) Name() string { return "TotalSegmentator" }
func (TotalSegmentator) isMethod()    {}

// Validate implements Method.
func (m TotalSegmentator) Validate() error {
	if !IsSupportedTask(m.Task) {
		return fmt.Errorf("%w: unknown TotalSegmentator task %q", ErrInvalidParameters, m.Task)
	}
	return nil
}

func (m TotalSegmentator) String() string {
	return fmt.Sprintf("TotalSegmentator(task=%s)", m.Task)
}

// ParseMethod builds a Method from front-end values. Parameters that do not
// apply to the chosen method are ignored.
func ParseMethod(name, quality, device, task string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case MethodSkellytour:
		q, err := ParseQuality(quality)
		if err != nil {
			return nil, err
		}
		d, err := ParseDevice(device)
		if err != nil {
			return nil, err
		}
		return Skellytour{Quality: q, Device: d}, nil
	case MethodTotalSegmentator:
		m := TotalSegmentator{Task: strings.TrimSpace(task)}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: method %q (want skellytour or totalsegmentator)", ErrInvalidParameters, name)
}

// Invocation describes one external tool run.
type Invocation struct {
	// Command is the executable name or path
	Command string
	// Args are the ordered arguments
	Args []string
	// OutputDir is where the tool is expected to write its results
	OutputDir string
	// SharedOutput is true when OutputDir also holds the input artifact, so
	// its mere non-emptiness proves nothing
	SharedOutput bool
	// Method is the method the invocation was built from
	Method Method
}

// String renders the command line for logs.
func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Command}, inv.Args...), " ")
}

// Builder turns methods into invocations. The zero value uses the default
// command names.
type Builder struct {
	SkellytourCommand         string
	SkellytourExtraArgs       []string
	TotalSegmentatorCommand   string
	TotalSegmentatorExtraArgs []string
}

// Default command names.
const (
	DefaultSkellytourCommand       = "skellytour"
	DefaultTotalSegmentatorCommand = "TotalSegmentator"
)

// OutputDirFor returns the TotalSegmentator output directory for task.
func OutputDirFor(outputRoot, task string) string {
	return filepath.Join(outputRoot, "segmentations_"+task)
}

// Build maps method to an invocation reading artifactPath and writing under
// outputRoot.
func (b Builder) Build(method Method, artifactPath, outputRoot string) (Invocation, error) {
	if method == nil {
		return Invocation{}, fmt.Errorf("%w: no method selected", ErrInvalidParameters)
	}
	if artifactPath == "" || outputRoot == "" {
		return Invocation{}, fmt.Errorf("%w: artifact and output paths are required", ErrInvalidParameters)
	}
	if err := method.Validate(); err != nil {
		return Invocation{}, err
	}

	switch m := method.(type) {
	case Skellytour:
		cmd := b.SkellytourCommand
		if cmd == "" {
			cmd = DefaultSkellytourCommand
		}
		args := []string{
			"-i", artifactPath,
			"-o", outputRoot,
			"-m", string(m.Quality),
			"-d", string(m.Device),
			"--overwrite",
		}
		return Invocation{
			Command:      cmd,
			Args:         append(args, b.SkellytourExtraArgs...),
			OutputDir:    outputRoot,
			SharedOutput: true,
			Method:       m,
		}, nil
	case TotalSegmentator:
		cmd := b.TotalSegmentatorCommand
		if cmd == "" {
			cmd = DefaultTotalSegmentatorCommand
		}
		out := OutputDirFor(outputRoot, m.Task)
		args := []string{
			"-i", artifactPath,
			"-o", out,
			"-ta", m.Task,
		}
		return Invocation{
			Command:   cmd,
			Args:      append(args, b.TotalSegmentatorExtraArgs...),
			OutputDir: out,
			Method:    m,
		}, nil
	}
	return Invocation{}, fmt.Errorf("%w: unsupported method %T", ErrInvalidParameters, method)
}

// Build uses the default Builder.
func Build(method Method, artifactPath, outputRoot string) (Invocation, error) {
	return Builder{}.Build(method, artifactPath, outputRoot)
}
