package worker

import (
	"fmt"
	"os"
	"os/exec"
)

// DeviceEnvVar is the environment variable a launched worker process reads
// to learn which physical accelerator it owns. Go has no equivalent to
// setting this before an import-time CUDA init runs the way the Python
// original did (os.environ["CUDA_VISIBLE_DEVICES"] = ... before importing
// the extraction library) — there is no such thing as "before any package
// is imported" at runtime in a compiled binary. Instead, device isolation
// is enforced at process boundary: the launcher below execs a fresh
// cmd/worker process per device with the env var already set, so the
// child's very first line of code already sees only its assigned device.
const DeviceEnvVar = "CUDA_VISIBLE_DEVICES"

// LaunchDeviceWorker execs a new process running the given binary with
// DeviceEnvVar set to device, inheriting the parent's other environment
// and passing args through unchanged. The returned *exec.Cmd is not yet
// started; the caller controls Start/Wait so it can fold the child into
// its own shutdown sequence.
func LaunchDeviceWorker(binary, device string, args ...string) *exec.Cmd {
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", DeviceEnvVar, device))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}
