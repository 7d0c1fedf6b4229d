package consts

import (
	"fmt"
	"os"
	"runtime"
)

const (
	AppName = "Sensocto-go"
)

type Info struct {
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	BuildTime  string `json:"build_time"`
	GitHash    string `json:"git_hash"`
	Pid        int    `json:"pid"`
	Platform   string `json:"platform"`
	GoVersion  string `json:"go_version"`
}

// Injected via -ldflags at link time, so these must stay plain vars
// and be read through GetAppInfo at run time.
var (
	BuildTime  string
	AppVersion string
	GitHash    string
)

func GetAppInfo() Info {
	return Info{
		AppName:    AppName,
		AppVersion: AppVersion,
		BuildTime:  BuildTime,
		GitHash:    GitHash,
		Pid:        os.Getpid(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion:  runtime.Version(),
	}
}
