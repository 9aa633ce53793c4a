package audio

import (
	"fmt"
	"os"
)

// EnvVars are the environment variables pactl depends on to reach the sound server.
var EnvVars = []string{"XDG_RUNTIME_DIR", "PULSE_RUNTIME_PATH", "PULSE_SERVER", "DBUS_SESSION_BUS_ADDRESS"}

// Environment returns NAME=value lines for EnvVars, marking unset ones.
func Environment() []string {
	out := make([]string, 0, len(EnvVars))
	for _, k := range EnvVars {
		v, ok := os.LookupEnv(k)
		if !ok {
			v = "<not set>"
		}
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
