package engine

import (
	"TrackDetServer/logger"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

func detArch(system, arch string) (string, error) {
	switch arch {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64"), nil
	case "386":
		return fmt.Sprintf("%s-%s", system, "x86"), nil
	case "arm64":
		return fmt.Sprintf("%s-%s", system, "arm64"), nil
	default:
		return "", fmt.Errorf("architecture %s not supported", arch)
	}
}

func getPlatform() (string, error) {
	switch system := runtime.GOOS; system {
	case "windows", "linux", "darwin":
		return detArch(system, runtime.GOARCH)
	default:
		return "", fmt.Errorf("operating system %s not supported", system)
	}
}

// DefaultLibName is the onnxruntime shared library file name for this platform.
func DefaultLibName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libDir, libName string) error {
	runtimeOnce.Do(func() {
		platform, err := getPlatform()
		if err != nil {
			runtimeErr = err
			return
		}
		if libName == "" {
			libName = DefaultLibName()
		}
		path := filepath.Join(libDir, libName)
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("load onnxruntime from %s: %w", path, err)
			return
		}
		logger.Log().Info("onnxruntime loaded", zap.String("platform", platform), zap.String("path", path))
	})
	return runtimeErr
}

func ShutdownRuntime() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Log().Warn("destroy onnxruntime environment", zap.Error(err))
		}
	}
}
