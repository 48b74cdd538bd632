package option

import (
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Environment variables read by FromEnv.
const (
	EnvNumThreads    = "BORN_NUM_THREADS"
	EnvLightMode     = "BORN_LIGHTMODE"
	EnvGPUCompute    = "BORN_GPU_COMPUTE"
	envInvalidLogMsg = "Invalid environment variable, keeping current value"
)

// Var returns the trimmed, unquoted value of an environment variable.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// FromEnv overlays the BORN_* environment variables on base. Unparsable
// values are logged and ignored; the result is validated.
func FromEnv(base Option) (Option, error) {
	opt := base

	if s := Var(EnvNumThreads); s != "" {
		if n, err := strconv.Atoi(s); err != nil {
			klog.InfoS(envInvalidLogMsg, "key", EnvNumThreads, "value", s)
		} else {
			opt.NumThreads = n
		}
	}
	opt.LightMode = envBool(EnvLightMode, opt.LightMode)
	opt.UseGPUCompute = envBool(EnvGPUCompute, opt.UseGPUCompute)

	if err := opt.Validate(); err != nil {
		return base, err
	}
	return opt, nil
}

func envBool(key string, current bool) bool {
	s := Var(key)
	if s == "" {
		return current
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		klog.InfoS(envInvalidLogMsg, "key", key, "value", s)
		return current
	}
	return b
}
