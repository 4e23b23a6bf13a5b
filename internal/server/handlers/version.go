package handlers

import (
	"net/http"
	"runtime"
	"sync"

	apperrors "github.com/3leaps/slidescan/internal/errors"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo sets the values reported by /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// GetVersionInfo returns the values reported by /version.
func GetVersionInfo() VersionInfo {
	versionMu.RLock()
	defer versionMu.RUnlock()
	info := versionInfo
	info.GoVersion = runtime.Version()
	return info
}

// VersionHandler serves build information.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, GetVersionInfo())
}
